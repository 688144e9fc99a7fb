// Package worker drains the durable event log into the event processor;
// the processor applies one event at a time and this pool decides
// concurrency and batching. A continuous consume/process/ack loop per
// consumer, plus a periodic pending-claim sweep for crash recovery.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"driftnet/internal/atproto/event"
	"driftnet/internal/atproto/eventlog"
	"driftnet/internal/metrics"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is how many stream entries a single Consume call
	// claims at a time.
	DefaultBatchSize = 50

	// DefaultClaimInterval is how often the pool sweeps for messages
	// abandoned by a crashed consumer.
	DefaultClaimInterval = 15 * time.Second

	// DefaultPollInterval is the backoff between consume attempts that
	// return nothing, so an idle pool doesn't spin.
	DefaultPollInterval = 500 * time.Millisecond
)

// Processor is the subset of processor.EventProcessor the pool needs.
type Processor interface {
	Process(ctx context.Context, e event.Event) error
}

// Pool runs N concurrent consumers against a DurableEventLog, applying
// each message through Processor and acking on success. A bad message is
// logged and acked anyway (the processor itself already swallows per-op
// errors; a Process error here means something more fundamental broke,
// and redelivering it forever would stall the consumer group instead of
// protecting it).
type Pool struct {
	log          eventlog.DurableEventLog
	processor    Processor
	concurrency  int
	batchSize    int64
	claimInterval time.Duration
	pollInterval time.Duration
	consumerIDPrefix string
	logger       *slog.Logger
}

// New builds a worker Pool. consumerIDPrefix should be unique per process
// instance (e.g. hostname+pid) so ClaimPending can distinguish a live
// sibling consumer from a dead one sharing the pool.
func New(log eventlog.DurableEventLog, processor Processor, concurrency int, consumerIDPrefix string, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		log:              log,
		processor:        processor,
		concurrency:      concurrency,
		batchSize:        DefaultBatchSize,
		claimInterval:    DefaultClaimInterval,
		pollInterval:     DefaultPollInterval,
		consumerIDPrefix: consumerIDPrefix,
		logger:           logger,
	}
}

// Run blocks, draining the log until ctx is cancelled. It starts
// p.concurrency consumer loops plus one pending-claim sweeper.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		consumerID := p.consumerIDPrefix + "-" + strconv.Itoa(i)
		g.Go(func() error {
			return p.consumeLoop(ctx, consumerID)
		})
	}

	g.Go(func() error {
		return p.claimLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) consumeLoop(ctx context.Context, consumerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := p.log.Consume(ctx, consumerID, p.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("consume failed", "consumer", consumerID, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.pollInterval):
			}
			continue
		}

		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.pollInterval):
			}
			continue
		}

		for _, msg := range msgs {
			p.apply(ctx, consumerID, msg)
		}
	}
}

func (p *Pool) apply(ctx context.Context, consumerID string, msg eventlog.Message) {
	if err := p.processor.Process(ctx, msg.Event); err != nil {
		p.logger.Error("process event failed, acking anyway", "consumer", consumerID, "msg_id", msg.ID, "error", err)
		p.log.IncrCounter("process_error", 1)
		metrics.RecordEventError()
	} else {
		p.log.IncrCounter("processed", 1)
		metrics.RecordEvent(string(msg.Event.Kind))
	}
	if err := p.log.Ack(ctx, msg.ID); err != nil {
		p.logger.Error("ack failed", "consumer", consumerID, "msg_id", msg.ID, "error", err)
	}
}

func (p *Pool) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.claimInterval)
	defer ticker.Stop()

	sweeperID := p.consumerIDPrefix + "-claimer"
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			msgs, err := p.log.ClaimPending(ctx, sweeperID, eventlog.DefaultClaimIdle)
			if err != nil {
				p.logger.Error("claim pending failed", "error", err)
				continue
			}
			for _, msg := range msgs {
				p.logger.Warn("reclaimed abandoned message", "msg_id", msg.ID)
				p.apply(ctx, sweeperID, msg)
			}
		}
	}
}
