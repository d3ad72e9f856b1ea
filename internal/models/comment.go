package models

import (
	"time"

	"github.com/consensio/backend/internal/entity"
)

// Comment is a user comment on a question.
type Comment struct {
	ID        string               `json:"id"`
	Question  entity.Ref[Question] `json:"question"`
	User      entity.Ref[User]     `json:"user"`
	Content   string               `json:"content"`
	CreatedAt time.Time            `json:"createdAt"`
}

func (c Comment) EntityID() string        { return c.ID }
func (c Comment) EntityKind() entity.Kind { return entity.KindComment }
