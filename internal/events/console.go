package events

import (
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Format renders ev the way the console logger prints it.
func Format(ev Event) string {
	return fmt.Sprintf("Type: %s, Data: %v", ev.Type, ev.Data)
}

// Console returns a handler writing one formatted line per event to w.
func Console(w io.Writer) Handler {
	return func(ev Event) {
		fmt.Fprintln(w, Format(ev))
	}
}

// Log returns a handler recording each event at debug level.
func Log(logger *zap.Logger) Handler {
	if logger == nil {
		return nil
	}
	return func(ev Event) {
		logger.Debug("event", zap.String("type", ev.Type), zap.Any("data", ev.Data))
	}
}
