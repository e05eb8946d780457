// Package events содержит журнал системных событий для операторов.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/model"
)

// Уровни важности событий.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Store описывает хранилище событий.
type Store interface {
	InsertEvent(ctx context.Context, e model.Event) error
}

// Sink записывает события по принципу fire-and-forget: сбой записи
// никогда не прерывает основную операцию, а лишь попадает в лог.
type Sink struct {
	store  Store
	logger *zap.Logger
}

// NewSink создаёт журнал событий поверх хранилища.
func NewSink(store Store, logger *zap.Logger) *Sink {
	return &Sink{store: store, logger: logger}
}

// Log записывает событие без привязки к сущности.
func (s *Sink) Log(ctx context.Context, eventType, severity, source, description string, metadata map[string]any) {
	s.LogEntity(ctx, eventType, severity, source, description, metadata, "", "")
}

// LogEntity записывает событие, привязанное к сущности.
func (s *Sink) LogEntity(ctx context.Context, eventType, severity, source, description string, metadata map[string]any, entityType, entityID string) {
	if s == nil || s.store == nil {
		return
	}

	err := s.store.InsertEvent(ctx, model.Event{
		Type:        eventType,
		Severity:    severity,
		Source:      source,
		Description: description,
		Metadata:    metadata,
		EntityType:  entityType,
		EntityID:    entityID,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("event log write failed",
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
