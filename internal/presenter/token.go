package presenter

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries a shareable presenter view: the room and optional question
// a second device should display.
type Claims struct {
	RoomID     string `json:"room_id"`
	QuestionID string `json:"question_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and validates presenter share tokens. A token lets a
// second device (typically a projector) adopt the sharer's presenter view
// without carrying the session cookie.
type TokenService struct {
	secret        []byte
	expireMinutes int
}

func NewTokenService(secret string, expireMinutes int) *TokenService {
	return &TokenService{secret: []byte(secret), expireMinutes: expireMinutes}
}

// Generate creates a share token for the view.
func (s *TokenService) Generate(roomID, questionID string) (string, error) {
	claims := Claims{
		RoomID:     roomID,
		QuestionID: questionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a share token, returning claims or error.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
