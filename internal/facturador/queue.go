package facturador

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

// Outcome reports a queue entry that reached the authority during
// DrainQueue.
type Outcome struct {
	Key       string
	Direction reliability.Direction
	State     reliability.State
}

// DrainQueue works through due queue entries, one claimed entry at a time.
// Entries that already failed are polled first, since the authority may
// have received them; entries polled successfully leave the queue.
// Everything else is sent. A send that cannot be performed at all
// disables its entry. With a positive budget no entry is claimed once the
// budget is spent; an entry already being processed is finished.
func (e *Engine) DrainQueue(ctx context.Context, budget time.Duration) ([]Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "facturador.DrainQueue")
	defer span.End()

	start := e.now()
	var outcomes []Outcome
	processed := 0
	defer func() {
		span.SetAttributes(attribute.Int("processed", processed), attribute.Int("outcomes", len(outcomes)))
		e.metrics.QueueDrained(processed, e.now().Sub(start).Seconds())
	}()

	for {
		if err := ctx.Err(); err != nil {
			return outcomes, nil
		}
		now := e.now()
		if budget > 0 && now.Sub(start) >= budget {
			e.logger.Debug("queue budget spent", zap.Int("processed", processed))
			return outcomes, nil
		}

		entry, err := e.store.ClaimNext(ctx, now, e.lease)
		if errors.Is(err, storage.ErrNotFound) {
			return outcomes, nil
		}
		if err != nil {
			return outcomes, err
		}
		processed++

		if out, ok := e.process(ctx, entry); ok {
			outcomes = append(outcomes, out)
		}
	}
}

func (e *Engine) process(ctx context.Context, entry *reliability.Entry) (Outcome, bool) {
	dir := entry.Action.Direction()
	logger := e.logger.With(
		zap.String("clave", entry.Key),
		zap.String("direction", dir.String()),
		zap.Int64("taxpayer_id", entry.TaxpayerID),
		zap.Int("attempts", entry.Attempts))

	ref := dir.String() + entry.Key
	if !e.inFlight.TryAcquire(ref) {
		logger.Debug("document already in flight")
		return Outcome{}, false
	}
	defer e.inFlight.Release(ref)

	d, err := e.Load(ctx, entry.TaxpayerID, entry.Key, dir)
	if err != nil {
		logger.Error("queued document cannot be loaded", zap.Error(err))
		e.disable(ctx, entry, logger)
		return Outcome{}, false
	}

	if entry.Attempts > 0 {
		ok, err := d.PollStatus(ctx)
		if err != nil {
			logger.Info("status query before resend failed", zap.Error(err))
		}
		if ok {
			if err := e.store.DeleteEntry(ctx, entry.Key, dir); err != nil {
				logger.Error("removing queue entry failed", zap.Error(err))
			}
			return Outcome{Key: d.Key, Direction: dir, State: d.State}, true
		}
	}

	sent, err := d.Send(ctx)
	if err != nil {
		logger.Error("send failed, disabling queue entry", zap.Error(err))
		if err := d.DisableFurtherRetries(ctx); err != nil {
			logger.Error("disabling queue entry failed", zap.Error(err))
		}
		return Outcome{}, false
	}
	if !sent {
		return Outcome{}, false
	}
	return Outcome{Key: d.Key, Direction: dir, State: reliability.StateSent}, true
}

func (e *Engine) disable(ctx context.Context, entry *reliability.Entry, logger *zap.Logger) {
	entry.Action = entry.Action.Disable()
	if err := e.store.UpdateEntry(ctx, entry); err != nil {
		logger.Error("disabling queue entry failed", zap.Error(err))
	}
}
