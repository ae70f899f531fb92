package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"recruitbot/internal/domain"
)

const (
	receiveBackoff = 5 * time.Second
	sweepInterval  = time.Hour
)

// Handler processes one decoded inbound event.
type Handler interface {
	Handle(ctx context.Context, ev domain.InboundEvent) error
}

// LedgerSweeper removes dedup entries older than a cutoff, reporting how
// many were purged.
type LedgerSweeper interface {
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker drains the inbound queue and feeds the dispatcher. A message is
// deleted only after a successful (or deliberately-acked) pass; anything
// else stays leased and comes back after the visibility timeout.
type Worker struct {
	queue      domain.Queue
	handler    Handler
	sweeper    LedgerSweeper
	logger     *slog.Logger
	maxReceive int
	wait       time.Duration
	visibility time.Duration
	retention  time.Duration
	lastSweep  time.Time
}

type WorkerConfig struct {
	Queue      domain.Queue
	Handler    Handler
	Sweeper    LedgerSweeper // optional, skips retention sweeps when nil
	Logger     *slog.Logger
	MaxReceive int
	Wait       time.Duration
	Visibility time.Duration
	Retention  time.Duration // dedup ledger retention
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.MaxReceive <= 0 {
		cfg.MaxReceive = 5
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 60 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Worker{
		queue:      cfg.Queue,
		handler:    cfg.Handler,
		sweeper:    cfg.Sweeper,
		logger:     cfg.Logger,
		maxReceive: cfg.MaxReceive,
		wait:       cfg.Wait,
		visibility: cfg.Visibility,
		retention:  cfg.Retention,
	}
}

// Run long-polls the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"max_receive", w.maxReceive, "wait", w.wait, "visibility", w.visibility)

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		w.sweepLedger(ctx)

		msgs, err := w.queue.Receive(ctx, w.maxReceive, w.wait, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("queue receive failed", "err", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range msgs {
			w.process(ctx, msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg domain.QueueMessage) {
	var ev domain.InboundEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		// Undecodable bodies would redeliver forever; drop them.
		w.logger.Error("dropping undecodable queue message",
			"queue_id", msg.ID, "receives", msg.Receives, "err", err)
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.handler.Handle(ctx, ev); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			w.logger.Error("dropping malformed event", "queue_id", msg.ID, "err", err)
			w.ack(ctx, msg.ID)
			return
		}
		w.logger.Error("event handling failed, leaving for redelivery",
			"queue_id", msg.ID, "message_id", ev.MessageID, "receives", msg.Receives, "err", err)
		return
	}

	w.ack(ctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, id int64) {
	if err := w.queue.Delete(ctx, id); err != nil {
		// The lease will expire and the ledger will absorb the redelivery.
		w.logger.Warn("queue delete failed", "queue_id", id, "err", err)
	}
}

func (w *Worker) sweepLedger(ctx context.Context) {
	if w.sweeper == nil || time.Since(w.lastSweep) < sweepInterval {
		return
	}
	w.lastSweep = time.Now()

	cutoff := time.Now().UTC().Add(-w.retention)
	purged, err := w.sweeper.PurgeProcessedBefore(ctx, cutoff)
	if err != nil {
		w.logger.Warn("ledger sweep failed", "err", err)
		return
	}
	w.logger.Info("ledger sweep done", "cutoff", cutoff, "purged", purged)
}
