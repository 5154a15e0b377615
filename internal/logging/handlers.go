package logging

import (
	"context"
	"log/slog"
	"time"
)

// timezoneHandler rewrites every record's timestamp into a fixed location,
// mirroring the teacher's EasternTimeHandler but parameterized instead of
// hardcoded to America/New_York.
type timezoneHandler struct {
	slog.Handler
	location *time.Location
}

func newTimezoneHandler(h slog.Handler, loc *time.Location) *timezoneHandler {
	return &timezoneHandler{Handler: h, location: loc}
}

func (h *timezoneHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Time = r.Time.In(h.location)
	return h.Handler.Handle(ctx, r)
}

func (h *timezoneHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &timezoneHandler{Handler: h.Handler.WithAttrs(attrs), location: h.location}
}

func (h *timezoneHandler) WithGroup(name string) slog.Handler {
	return &timezoneHandler{Handler: h.Handler.WithGroup(name), location: h.location}
}

// contextualHandler lifts correlation/gallery identifiers out of the
// context into every record, the way the teacher's ContextualHandler lifts
// correlation/request/user ids.
type contextualHandler struct {
	slog.Handler
}

func newContextualHandler(h slog.Handler) *contextualHandler {
	return &contextualHandler{Handler: h}
}

func (h *contextualHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ctx.Value(ContextKeyCorrelationID); v != nil {
		if id, ok := v.(string); ok && id != "" {
			r.Add("correlation_id", slog.StringValue(id))
		}
	}
	if v := ctx.Value(ContextKeyGalleryPath); v != nil {
		if p, ok := v.(string); ok && p != "" {
			r.Add("gallery_path", slog.StringValue(p))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextualHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextualHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextualHandler) WithGroup(name string) slog.Handler {
	return &contextualHandler{Handler: h.Handler.WithGroup(name)}
}
