package utils

import (
	"log/slog"
	"strings"
)

// ErrAttr returns a standard slog attribute for an error.
func ErrAttr(err error) slog.Attr {
	return slog.Any("error", err)
}

// SlogReplacer normalizes time and duration attributes to short strings.
func SlogReplacer(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindTime:
		a.Value = slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))
	case slog.KindDuration:
		a.Value = slog.StringValue(a.Value.Duration().String())
	default:
	}

	return a
}

// SlogWriter adapts a slog.Logger to io.Writer so line-oriented loggers of
// third-party libraries can be redirected.
type SlogWriter struct {
	logger *slog.Logger
}

// NewSlogWriter creates an io.Writer that forwards each line to logger.
func NewSlogWriter(logger *slog.Logger) *SlogWriter {
	return &SlogWriter{logger: logger}
}

func (w *SlogWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}

		w.logger.Info(line)
	}

	return len(p), nil
}

// LogOnError runs fn and logs msg with the returned error, if any.
func LogOnError(l *slog.Logger, fn func() error, msg string) {
	if err := fn(); err != nil {
		l.Error(msg, ErrAttr(err))
	}
}
