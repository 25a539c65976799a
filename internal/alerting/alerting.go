// Package alerting is the internal alert registration surface. Jobs
// raise alerts here; delivery (chat webhook, pager, email) is a
// pluggable handler concern.
package alerting

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level grades alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one raised condition.
type Alert struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Level     Level          `json:"level"`
	Component string         `json:"component"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives every registered alert. Handlers must not block;
// slow delivery belongs behind the handler's own queue.
type Handler func(alert Alert)

// Alerter fans registered alerts out to handlers and the log.
type Alerter struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.Logger
}

// NewAlerter builds an alerter with no handlers; Register still logs.
func NewAlerter(logger *zap.Logger) *Alerter {
	return &Alerter{
		logger: logger.With(zap.String("component", "alerting")),
	}
}

// AddHandler attaches a delivery handler.
func (a *Alerter) AddHandler(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// Register raises an alert: logs it at a level-appropriate severity and
// fans it out to every handler.
func (a *Alerter) Register(title, message string, level Level, component string, metadata map[string]any) {
	alert := Alert{
		Title:     title,
		Message:   message,
		Level:     level,
		Component: component,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}

	fields := []zap.Field{
		zap.String("title", title),
		zap.String("alert_component", component),
		zap.Any("metadata", metadata),
	}
	switch level {
	case LevelCritical:
		a.logger.Error(message, fields...)
	case LevelWarning:
		a.logger.Warn(message, fields...)
	default:
		a.logger.Info(message, fields...)
	}

	a.mu.RLock()
	handlers := make([]Handler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.RUnlock()
	for _, h := range handlers {
		h(alert)
	}
}
