package masking

import (
	"context"
	"log/slog"
)

// RedactingHandler wraps a slog.Handler and masks secrets in the message and
// in every string attribute value before delegating.
type RedactingHandler struct {
	inner  slog.Handler
	masker *Masker
}

// NewRedactingHandler wraps inner so that all records pass through masker.
func NewRedactingHandler(inner slog.Handler, masker *Masker) *RedactingHandler {
	return &RedactingHandler{inner: inner, masker: masker}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	masked := slog.NewRecord(r.Time, r.Level, h.masker.Mask(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(a))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		maskedAttrs[i] = h.maskAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(maskedAttrs), masker: h.masker}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), masker: h.masker}
}

func (h *RedactingHandler) maskAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.masker.Mask(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		maskedGroup := make([]any, 0, len(group))
		for _, ga := range group {
			maskedGroup = append(maskedGroup, h.maskAttr(ga))
		}
		return slog.Group(a.Key, maskedGroup...)
	default:
		return a
	}
}
