package badgerkv

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

var _ badger.Logger = (*slogLogger)(nil)

// slogLogger forwards badger's printf-style logging to slog. Badger's info
// output (compaction, value log replay) is demoted to debug.
type slogLogger struct {
	l *slog.Logger
}

func newSlogLogger(l *slog.Logger) *slogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l.With("component", "badger")}
}

func (s *slogLogger) Errorf(format string, args ...any) {
	s.l.Error(line(format, args))
}

func (s *slogLogger) Warningf(format string, args ...any) {
	s.l.Warn(line(format, args))
}

func (s *slogLogger) Infof(format string, args ...any) {
	s.l.Debug(line(format, args))
}

func (s *slogLogger) Debugf(format string, args ...any) {
	s.l.Debug(line(format, args))
}

func line(format string, args []any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
