// Package extensions lets optional features hook into state changes without
// the core store knowing about them.
package extensions

import (
	"context"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/state"
)

// Extension is an optional feature reacting to domain events. Hooks run
// synchronously inside the originating transaction and must be fast.
type Extension interface {
	Name() string
	OnPrediction(ctx context.Context, q models.Question, p models.Prediction)
}

var registered []Extension

// Register adds an extension. Call from init or during startup, before
// Install.
func Register(ext Extension) {
	registered = append(registered, ext)
}

// Install wires every registered extension into the store.
func Install(store *state.Store, logger *zap.Logger) {
	for _, ext := range registered {
		ext := ext
		store.OnPrediction(ext.OnPrediction)
		logger.Info("extension installed", zap.String("extension", ext.Name()))
	}
}
