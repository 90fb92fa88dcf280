package log

import (
	"fmt"
	"strings"
)

// GormWriter adapts a Logger to gorm's logger.Writer so SQL diagnostics end
// up in the structured log instead of stdout.
type GormWriter struct {
	Logger Logger
}

// Printf implements gorm.io/gorm/logger.Writer.
func (w GormWriter) Printf(format string, args ...any) {
	if w.Logger == nil {
		return
	}
	line := strings.TrimSpace(fmt.Sprintf(format, args...))
	w.Logger.Warn(map[string]any{"sql": line}, "gorm")
}
