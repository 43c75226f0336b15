package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/obs"
	"neurobank.org/internal/stream"
)

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return middleware.GetReqID(ctx)
}

// Logger writes audit events for directory and session changes.
type Logger struct {
	log    *slog.Logger
	now    func() time.Time
	stream *stream.Stream
}

type Option func(*Logger)

// WithStream additionally publishes every record to live subscribers.
func WithStream(s *stream.Stream) Option {
	return func(l *Logger) { l.stream = s }
}

func New(log *slog.Logger, opts ...Option) *Logger {
	if log == nil {
		log = obs.Discard()
	}
	l := &Logger{log: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record writes an audit entry enriched with request and principal context.
func (l *Logger) Record(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	evt := stream.Event{
		Name:      event,
		RequestID: requestIDFromContext(ctx),
		Fields:    fields,
		Timestamp: l.now().UTC(),
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		evt.ActorID = p.User.ID
		evt.Actor = p.User.Username
	} else if o, ok := auth.OutcomeFromContext(ctx); ok && o.State == auth.StateAPIKey {
		evt.Actor = "api_key"
	}

	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", evt.Name),
		slog.Time("ts", evt.Timestamp),
	}
	if evt.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", evt.RequestID))
	}
	if evt.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", evt.ActorID))
	}
	if evt.Actor != "" {
		attrs = append(attrs, slog.String("actor", evt.Actor))
	}
	if len(fields) > 0 {
		group := make([]any, 0, len(fields))
		for k, v := range fields {
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("fields", group...))
	}
	l.log.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	if l.stream != nil {
		l.stream.Publish(evt)
	}
	return nil
}
