// Package devsetup seeds demo data for local development.
package devsetup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/state"
)

// Seed populates an empty store with a demo admin, two members and a room
// with one binary and one numeric question. Re-running against a non-empty
// store is a no-op.
func Seed(ctx context.Context, store *state.Store, logger *zap.Logger) error {
	if store.Users.Count() > 0 {
		logger.Info("seed skipped, store not empty")
		return nil
	}

	now := time.Now()

	admin := models.User{
		ID:            entity.NewID(),
		Type:          models.UserTypeAdmin,
		Email:         "admin@example.com",
		EmailVerified: true,
		Nick:          "Admin",
		CreatedAt:     now,
	}
	alice := models.User{
		ID:            entity.NewID(),
		Type:          models.UserTypeMember,
		Email:         "alice@example.com",
		EmailVerified: true,
		Nick:          "Alice",
		CreatedAt:     now,
	}
	bob := models.User{
		ID:            entity.NewID(),
		Type:          models.UserTypeMember,
		Email:         "bob@example.com",
		EmailVerified: true,
		Nick:          "Bob",
		CreatedAt:     now,
	}

	binary := models.Question{
		ID:          entity.NewID(),
		Name:        "Will the release ship this quarter?",
		Visible:     true,
		Open:        true,
		AnswerSpace: models.AnswerSpace{Type: models.SpaceBinary},
		CreatedAt:   now,
	}
	numeric := models.Question{
		ID:          entity.NewID(),
		Name:        "How many users will sign up this month?",
		Visible:     true,
		Open:        true,
		AnswerSpace: models.AnswerSpace{Type: models.SpaceNumeric, Min: 0, Max: 10000},
		CreatedAt:   now,
	}

	roomID := entity.NewID()
	room := models.Room{
		ID:        roomID,
		Name:      "Demo forecasts",
		CreatedAt: now,
		Color:     models.ColorFromID(roomID),
		Questions: []entity.Ref[models.Question]{
			entity.NewRef(binary),
			entity.NewRef(numeric),
		},
		Members: []models.RoomMembership{
			{User: entity.NewRef(alice), Role: models.RoleModerator},
			{User: entity.NewRef(bob), Role: models.RoleForecaster},
		},
	}

	return store.WithTransaction(ctx, func(ctx context.Context) error {
		for _, u := range []models.User{admin, alice, bob} {
			if _, err := store.Users.Create(ctx, u); err != nil {
				return err
			}
		}
		for _, q := range []models.Question{binary, numeric} {
			if _, err := store.Questions.Create(ctx, q); err != nil {
				return err
			}
		}
		_, err := store.Rooms.Create(ctx, room)
		return err
	})
}
