package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

// Sink consumes batches of job events. Consume may be called repeatedly and must
// honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.JobEvent) error
	Close(ctx context.Context) error
}

// Validate performs coarse validation on an event before it is queued.
func Validate(evt crawler.JobEvent) error {
	if evt.JobID <= 0 {
		return errors.New("job id is required")
	}
	if evt.At.IsZero() {
		return errors.New("timestamp is required")
	}
	switch evt.Type {
	case crawler.EventPageCommitted, crawler.EventJobDone, crawler.EventJobRejected:
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	if evt.CurrentPage < 0 || evt.Records < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}
