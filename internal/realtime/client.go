package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/sessions"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeState is the gin handler for the state websocket. presenter marks
// connections opened by a presenter window; they count toward the session's
// presenter indicator in addition to streaming state.
func (h *Hub) ServeState(presenter bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := sessions.FromContext(c)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		if !ok {
			// Standard policy-violation closure; clients treat it as a
			// prompt to re-establish their session.
			h.closeWith(conn, websocket.ClosePolicyViolation, "no session")
			return
		}

		h.serve(c.Request.Context(), conn, session.ID, presenter)
	}
}

func (h *Hub) serve(parent context.Context, conn *websocket.Conn, sessionID string, presenter bool) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if presenter {
		if h.transient.PresenterWindowOpened(sessionID) {
			h.transient.Refresh(sessionID)
		}
		defer func() {
			if h.transient.PresenterWindowClosed(sessionID) {
				h.transient.Refresh(sessionID)
			}
		}()
	}

	sub := h.Subscribe(ctx, sessionID)

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, sub)
}

// readPump drains the connection. Clients send nothing meaningful on the
// state socket; the read loop exists to notice closure and answer pings.
func (h *Hub) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			h.closeWith(conn, websocket.CloseNormalClosure, "")
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				h.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			if frame.Type == FrameErr {
				code := websocket.ClosePolicyViolation
				if frame.ErrType == ErrInternalError {
					code = websocket.CloseInternalServerErr
				}
				h.closeWith(conn, code, frame.Message)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
