package stdio

import (
	"io"
	"log/slog"
)

type Option func(*Handler)

// WithIO replaces stdin and stdout. A nil argument keeps the default.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(h *Handler) { h.r, h.w = orDefault(in, h.r), orDefault(out, h.w) }
}

// WithLogger sets the logger. It must not write to the handler's output.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.l = orDefault(l, h.l) }
}

func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) { h.userProvider = orDefault(up, h.userProvider) }
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
