package notify

import (
	"context"
	"log"
)

// LogNotifier writes reminders to the process log. Used when no transport is
// configured.
type LogNotifier struct {
	Renderer
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, destination, subject string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Printf("[INFO] reminder to=%s subject=%q", destination, subject)
	return nil
}
