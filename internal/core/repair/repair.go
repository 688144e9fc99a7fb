// Package repair backfills missing dependencies: a bounded, periodic
// sweep that retries records the event processor couldn't apply
// immediately because a dependency (a reply's root post, a threadgate's
// allow-list) hadn't been indexed yet, by fetching the missing record
// straight from its author's PDS.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"driftnet/internal/atproto/identity"
	"driftnet/internal/core/apperr"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSweepInterval is how often the worker walks its incomplete set.
	DefaultSweepInterval = 30 * time.Second

	// DefaultRetryDelay is the minimum time between two attempts on the
	// same entry.
	DefaultRetryDelay = 30 * time.Second

	// DefaultMaxRetries is how many attempts an entry gets before it's
	// dropped as permanently unrecoverable.
	DefaultMaxRetries = 3

	// DefaultBackfillConcurrency bounds parallel backfill fetches.
	DefaultBackfillConcurrency = 10

	// DefaultBackfillCooldown is the minimum time between two full
	// per-user backfill sweeps, to avoid hammering a PDS.
	DefaultBackfillCooldown = time.Hour

	logBatchSize = 5000
)

// Kind identifies what sort of record an incomplete entry is waiting on.
type Kind string

const (
	KindUser        Kind = "user"
	KindPost        Kind = "post"
	KindLike        Kind = "like"
	KindRepost      Kind = "repost"
	KindFollow      Kind = "follow"
	KindList        Kind = "list"
	KindListItem    Kind = "listitem"
	KindFeedGen     Kind = "feedgen"
	KindStarterPack Kind = "starterpack"
	KindLabeler     Kind = "labeler"
	KindRecord      Kind = "record"
)

// entryKey identifies one pending repair: the kind of thing missing, the
// DID whose PDS it should be fetched from (if known), and the URI that's
// missing. did may be empty when only the URI is known (the owning DID is
// recovered from the URI's own at:// authority).
type entryKey struct {
	kind Kind
	did  string
	uri  string
}

type entry struct {
	retries     int
	lastAttempt time.Time
	aux         map[string]any
}

// RecordFetcher resolves a missing record by fetching it from its owning
// PDS. internal/core/processor's handlers (via EventProcessor.Process) are
// the natural implementation: handing the fetched record back through the
// same op-processing path that would have run had the firehose delivered
// it in order.
type RecordFetcher interface {
	// FetchAndApply retrieves the record at uri from its owning PDS and
	// applies it exactly as if it had arrived over the firehose. Returns
	// ErrRecordGone if the PDS reports the record no longer exists — a
	// terminal, non-retryable outcome.
	FetchAndApply(ctx context.Context, kind Kind, uri string) error
}

// ErrRecordGone signals a terminal 404 from the owning PDS: the record
// will never become available, so the entry should be dropped rather than
// retried.
type ErrRecordGone struct {
	URI string
}

func (e *ErrRecordGone) Error() string { return fmt.Sprintf("record gone: %s", e.URI) }

// PDSRepairWorker tracks incomplete records and retries them on a timer,
// bounded in both total entries and per-sweep concurrency.
type PDSRepairWorker struct {
	mu      sync.Mutex
	entries map[entryKey]*entry

	fetcher  RecordFetcher
	identity identity.Resolver

	sweepInterval time.Duration
	retryDelay    time.Duration
	maxRetries    int
	concurrency   int

	logger *slog.Logger
}

// New builds a repair worker. Pass zero values for the tuning parameters to
// get the package defaults.
func New(fetcher RecordFetcher, resolver identity.Resolver, sweepInterval, retryDelay time.Duration, maxRetries, concurrency int, logger *slog.Logger) *PDSRepairWorker {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if concurrency <= 0 {
		concurrency = DefaultBackfillConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PDSRepairWorker{
		entries:       make(map[entryKey]*entry),
		fetcher:       fetcher,
		identity:      resolver,
		sweepInterval: sweepInterval,
		retryDelay:    retryDelay,
		maxRetries:    maxRetries,
		concurrency:   concurrency,
		logger:        logger,
	}
}

// SetFetcher installs the fetcher after construction. The worker, the
// processor, and the fetcher reference each other in a ring (processor
// hands off to the worker, the worker fetches through the processor), so
// one of the three has to be completed late; this is that seam. Must be
// called before Run.
func (w *PDSRepairWorker) SetFetcher(fetcher RecordFetcher) {
	w.fetcher = fetcher
}

// MarkIncomplete records a dependency the processor couldn't resolve. It
// implements processor.RepairHandoff. Calling it again for the same
// (kind, uri) is a no-op beyond refreshing aux — the sweep loop is what
// actually drives retries, not the call site.
func (w *PDSRepairWorker) MarkIncomplete(ctx context.Context, kind, did, uri string, aux map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := entryKey{kind: Kind(kind), did: did, uri: uri}
	if e, ok := w.entries[key]; ok {
		e.aux = aux
		return
	}
	w.entries[key] = &entry{aux: aux}
}

// Run blocks until ctx is cancelled, sweeping the incomplete set on
// sweepInterval.
func (w *PDSRepairWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

// sweepOnce retries every due entry, bounded to w.concurrency in flight at
// once, and drops entries that exceed maxRetries or come back terminal.
func (w *PDSRepairWorker) sweepOnce(ctx context.Context) {
	due := w.dueEntries()
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	var processed atomic.Int64
	for _, key := range due {
		key := key
		g.Go(func() error {
			w.attempt(gctx, key)
			if n := processed.Add(1); n%logBatchSize == 0 {
				w.logger.Info("repair sweep progress", "processed", n, "total", len(due))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (w *PDSRepairWorker) dueEntries() []entryKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	var due []entryKey
	for key, e := range w.entries {
		if now.Sub(e.lastAttempt) >= w.retryDelay {
			due = append(due, key)
		}
	}
	return due
}

func (w *PDSRepairWorker) attempt(ctx context.Context, key entryKey) {
	w.mu.Lock()
	e, ok := w.entries[key]
	if !ok {
		w.mu.Unlock()
		return
	}
	e.lastAttempt = time.Now()
	e.retries++
	retries := e.retries
	w.mu.Unlock()

	err := w.fetcher.FetchAndApply(ctx, key.kind, key.uri)
	if err == nil {
		w.mu.Lock()
		delete(w.entries, key)
		w.mu.Unlock()
		return
	}

	var gone *ErrRecordGone
	if asRecordGone(err, &gone) || !apperr.Retryable(err) || retries >= w.maxRetries {
		w.logger.Warn("repair entry abandoned", "kind", key.kind, "uri", key.uri, "retries", retries, "error", err)
		w.mu.Lock()
		delete(w.entries, key)
		w.mu.Unlock()
		return
	}

	w.logger.Debug("repair attempt failed, will retry", "kind", key.kind, "uri", key.uri, "retries", retries, "error", err)
}

func asRecordGone(err error, target **ErrRecordGone) bool {
	gone, ok := err.(*ErrRecordGone)
	if ok {
		*target = gone
	}
	return ok
}

// PendingCount reports the current incomplete-entry set size, for metrics.
func (w *PDSRepairWorker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
