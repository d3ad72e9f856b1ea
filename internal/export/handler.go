package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/queue"
	"github.com/consensio/backend/pkg/response"
)

// CreateRequest is the body for POST /rooms/:id/export.
type CreateRequest struct {
	// QuestionID limits the export to one question; empty exports the room.
	QuestionID string `json:"questionId"`
	// Group exports aggregate history instead of individual predictions.
	Group bool `json:"group"`
}

// Handler renders prediction CSV exports and hands them to the upload queue.
type Handler struct {
	store   *state.Store
	tracker *sessions.Tracker
	queue   *queue.Queue
	logger  *zap.Logger
}

func NewHandler(store *state.Store, tracker *sessions.Tracker, q *queue.Queue, logger *zap.Logger) *Handler {
	return &Handler{store: store, tracker: tracker, queue: q, logger: logger}
}

func (h *Handler) currentUser(c *gin.Context) *models.User {
	session, ok := sessions.FromContext(c)
	if !ok {
		return nil
	}
	return h.tracker.User(session)
}

// Create handles POST /rooms/:id/export: renders the CSV in-process and
// enqueues the upload. Individual exports need the per-user prediction
// permission; group exports only need question visibility.
func (h *Handler) Create(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	needed := models.PermViewIndividualPredictions
	if req.Group {
		needed = models.PermViewQuestions
	}
	if !room.HasPermission(user, needed) {
		response.Forbidden(c, "not allowed to export these predictions")
		return
	}

	questions, err := h.exportQuestions(room, req.QuestionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	var body []byte
	if req.Group {
		body, err = h.renderGroupCSV(questions)
	} else {
		body, err = h.renderIndividualCSV(questions)
	}
	if err != nil {
		response.Internal(c, "could not render export")
		return
	}

	exportID := uuid.New().String()
	filename := fmt.Sprintf("predictions-%s-%s.csv", room.ID, time.Now().Format("20060102-150405"))
	err = h.queue.EnqueueExportUpload(c.Request.Context(), queue.ExportUploadPayload{
		ExportID:   exportID,
		RoomID:     room.ID,
		QuestionID: req.QuestionID,
		Filename:   filename,
		CSV:        string(body),
	})
	if err != nil {
		response.Internal(c, "could not enqueue export")
		return
	}

	h.logger.Info("export enqueued", zap.String("export_id", exportID), zap.String("room_id", room.ID))
	response.Created(c, gin.H{"exportId": exportID})
}

// Status handles GET /exports/:id.
func (h *Handler) Status(c *gin.Context) {
	status, detail, found, err := h.queue.ExportStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Internal(c, "could not read export status")
		return
	}
	if !found {
		response.NotFound(c, "unknown export")
		return
	}
	body := gin.H{"status": status}
	switch status {
	case queue.ExportDone:
		body["url"] = detail
	case queue.ExportFailed:
		body["error"] = detail
	}
	response.OK(c, body)
}

func (h *Handler) exportQuestions(room models.Room, questionID string) ([]models.Question, error) {
	var out []models.Question
	for _, ref := range room.Questions {
		if questionID != "" && ref.ID != questionID {
			continue
		}
		if q, ok := ref.Deref(h.store); ok {
			out = append(out, q)
		}
	}
	if questionID != "" && len(out) == 0 {
		return nil, state.ErrNotFound
	}
	return out, nil
}

// renderIndividualCSV writes one row per current prediction.
func (h *Handler) renderIndividualCSV(questions []models.Question) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"question", "user", "timestamp", "type", "prob", "mean", "stdev"}); err != nil {
		return nil, err
	}

	for _, q := range questions {
		var rows []models.Prediction
		for _, p := range h.store.Predictions.All() {
			if p.Question.ID == q.ID {
				rows = append(rows, p)
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Ts < rows[j].Ts })
		for _, p := range rows {
			nick := ""
			if p.User != nil {
				if u, ok := p.User.Deref(h.store); ok {
					nick = u.Nick
				}
			}
			if err := w.Write(predictionRow(q.Name, nick, p)); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

// renderGroupCSV writes the aggregate history of each question.
func (h *Handler) renderGroupCSV(questions []models.Question) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"question", "timestamp", "type", "prob", "mean", "stdev"}); err != nil {
		return nil, err
	}

	for _, q := range questions {
		var rows []models.GroupHistPrediction
		for _, entry := range h.store.GroupPredHist.All() {
			if entry.Question.ID == q.ID {
				rows = append(rows, entry)
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Ts < rows[j].Ts })
		for _, entry := range rows {
			row := predictionRow(q.Name, "", entry.Prediction)
			// Group rows have no user column.
			if err := w.Write(append(row[:1], row[2:]...)); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func predictionRow(question, nick string, p models.Prediction) []string {
	return []string{
		question,
		nick,
		time.Unix(p.Ts, 0).UTC().Format(time.RFC3339),
		string(p.Dist.Type),
		formatFloat(p.Dist.Prob),
		formatFloat(p.Dist.Mean),
		formatFloat(p.Dist.Stdev),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
