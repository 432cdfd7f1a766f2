package eventlog

import (
	"context"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/events"
	"github.com/ioerror/vula/pkg/logger"
)

// Attach subscribes the store to every result published on bus. Archive
// failures are logged and do not reach the publisher.
func Attach(bus *events.Bus, s *Store, log *logger.Logger) error {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("eventlog")
	return bus.SubscribeWithPriority(events.ResultRecorded, func(ctx context.Context, r *engine.Result) error {
		if err := s.Append(ctx, r); err != nil {
			log.ErrorCtx(ctx, "failed to archive result", err, "result_id", r.ID)
		}
		return nil
	}, events.PriorityLow)
}
