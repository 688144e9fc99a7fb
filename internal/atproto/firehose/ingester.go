// Package firehose holds the relay-facing ingester: a single
// leader-elected websocket consumer that decodes relay frames and pushes
// them onto the durable event log, with a dial/reconnect/keepalive loop,
// leader election over a short-TTL Redis lock, and cursor persistence for
// resume-after-reconnect.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"driftnet/internal/atproto/event"
	"driftnet/internal/atproto/eventlog"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	reconnectBackoff = 5 * time.Second
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeDeadline    = 10 * time.Second

	leaderLockKey = "firehose:leader"
	leaderLockTTL = 15 * time.Second
	leaderRetry   = 3 * time.Second

	cursorKey = "firehose:cursor"

	// statusRefresh must stay well under the status blob's TTL so a live
	// connection never reads as disconnected.
	statusRefresh = 5 * time.Second

	// backpressureDelay is how long reads stay paused before the durable
	// log is re-checked, both when the log rejects a push and when its
	// depth has hit the cap.
	backpressureDelay = time.Second

	// depthCheckInterval throttles the Depth() probe so the saturation
	// gate doesn't cost a round trip per frame.
	depthCheckInterval = time.Second
)

// FirehoseIngester dials a relay's subscribeRepos-style websocket endpoint,
// decodes each frame, and pushes the resulting event onto the durable log.
// Only one replica in a cluster actually consumes the relay at a time
// to avoid duplicated fan-out; the rest idle on the lock.
type FirehoseIngester struct {
	baseURL    string
	decoder    FrameDecoder
	log        eventlog.DurableEventLog
	lockClient *redis.Client
	instanceID string

	// maxLogDepth pauses reads while the durable log holds this many
	// unconsumed entries; 0 disables the gate. Should match the log's own
	// trim cap, since entries past it are the ones approximate trimming
	// would discard.
	maxLogDepth    int64
	lastDepthCheck time.Time

	logger *slog.Logger
}

// NewFirehoseIngester wires a decoder and durable log into an ingester.
// lockClient backs the single-leader election and cursor persistence;
// instanceID identifies this replica in the lock value (for diagnostics,
// not correctness — the lock itself is what prevents double-consumption).
func NewFirehoseIngester(baseURL string, decoder FrameDecoder, log eventlog.DurableEventLog, lockClient *redis.Client, instanceID string, logger *slog.Logger) *FirehoseIngester {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirehoseIngester{
		baseURL:    baseURL,
		decoder:    decoder,
		log:        log,
		lockClient: lockClient,
		instanceID: instanceID,
		logger:     logger,
	}
}

// WithMaxLogDepth arms the back-pressure gate: while the durable log's
// depth is at or above maxDepth, the ingester stops reading the socket
// instead of letting the log's approximate trim discard unacked entries.
// Returns the ingester for chaining at construction.
func (f *FirehoseIngester) WithMaxLogDepth(maxDepth int64) *FirehoseIngester {
	f.maxLogDepth = maxDepth
	return f
}

// Start blocks until ctx is cancelled, continually trying to become leader
// and consume the relay. Losing the connection or the lock never ends the
// loop — it just waits and retries.
func (f *FirehoseIngester) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		acquired, err := f.acquireLeadership(ctx)
		if err != nil {
			f.logger.Error("firehose leader election failed", "error", err)
			time.Sleep(leaderRetry)
			continue
		}
		if !acquired {
			time.Sleep(leaderRetry)
			continue
		}

		if err := f.runAsLeader(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("firehose connection error, reconnecting", "error", err)
			_ = f.log.SetStatus(ctx, eventlog.Status{Connected: false, URL: f.baseURL})
			time.Sleep(reconnectBackoff)
		}
	}
}

// acquireLeadership takes the short-TTL Redis lock. It does not hold it
// for the whole session in one call — runAsLeader re-acquires it on an
// interval so a crashed leader's lock expires and a standby can take over.
func (f *FirehoseIngester) acquireLeadership(ctx context.Context) (bool, error) {
	ok, err := f.lockClient.SetNX(ctx, leaderLockKey, f.instanceID, leaderLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leader lock: %w", err)
	}
	return ok, nil
}

// runAsLeader holds the connection open, renewing the leadership lock on a
// ticker, until the connection drops or ctx is cancelled.
func (f *FirehoseIngester) runAsLeader(ctx context.Context) error {
	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(leaderLockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				f.lockClient.Expire(renewCtx, leaderLockKey, leaderLockTTL)
			}
		}
	}()

	return f.connect(ctx)
}

// connect dials the relay, resuming from the last persisted cursor, and
// runs the read/ping loop until the connection drops.
func (f *FirehoseIngester) connect(ctx context.Context) error {
	dialURL := f.resumeURL(ctx)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", dialURL, err)
	}
	defer conn.Close()

	_ = f.log.SetStatus(ctx, eventlog.Status{Connected: true, URL: dialURL})
	f.logger.Info("firehose connected", "url", dialURL)

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	var once sync.Once
	done := make(chan struct{})
	closeDone := func() { once.Do(func() { close(done) }) }

	go f.pingLoop(conn, done, closeDone)

	var lastSeq int64
	var lastStatus time.Time
	for {
		select {
		case <-done:
			return fmt.Errorf("firehose connection closed")
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			closeDone()
			return fmt.Errorf("read frame: %w", err)
		}

		e, err := f.decoder.Decode(raw)
		if err != nil {
			f.logger.Warn("firehose frame decode failed, skipping", "error", err)
			continue
		}

		if err := f.pushBlocking(ctx, e); err != nil {
			closeDone()
			return err
		}

		if e.Seq > 0 {
			lastSeq = e.Seq
			f.persistCursor(ctx, lastSeq)
		}

		// The status blob carries a short TTL so a dead ingester reads as
		// disconnected; refresh it well inside that window.
		if time.Since(lastStatus) > statusRefresh {
			lastStatus = time.Now()
			_ = f.log.SetStatus(ctx, eventlog.Status{Connected: true, URL: dialURL, CurrentCursor: lastSeq})
		}
	}
}

// pushBlocking lands one event on the durable log, pausing the read loop
// rather than dropping the frame: while the log is at its depth cap or a
// push fails, reads stay stopped and the same frame is retried until it
// lands or ctx ends. The cursor only advances on a successful push, so
// waiting here (even at the cost of the read deadline dropping the
// connection) preserves every event — the resume replays from the last
// landed frame.
func (f *FirehoseIngester) pushBlocking(ctx context.Context, e event.Event) error {
	for {
		if err := f.waitForCapacity(ctx); err != nil {
			return err
		}

		err := f.log.Push(ctx, e)
		if err == nil {
			return nil
		}

		f.logger.Warn("firehose push failed, pausing reads", "error", err, "seq", e.Seq)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressureDelay):
		}
	}
}

// waitForCapacity blocks while the durable log's depth sits at or above
// the configured cap. The probe is time-throttled so the common
// unsaturated case costs at most one Depth() round trip per interval.
func (f *FirehoseIngester) waitForCapacity(ctx context.Context) error {
	if f.maxLogDepth <= 0 {
		return nil
	}
	for {
		if time.Since(f.lastDepthCheck) < depthCheckInterval {
			return nil
		}
		f.lastDepthCheck = time.Now()

		depth, err := f.log.Depth(ctx)
		if err != nil || depth < f.maxLogDepth {
			// An unreadable depth doesn't block ingestion; the push
			// itself is still the authoritative failure signal.
			return nil
		}

		f.logger.Warn("durable log saturated, pausing reads", "depth", depth, "cap", f.maxLogDepth)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressureDelay):
		}
	}
}

func (f *FirehoseIngester) pingLoop(conn *websocket.Conn, done chan struct{}, closeDone func()) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				closeDone()
				return
			}
		}
	}
}

// resumeURL appends the last persisted cursor as a query parameter so a
// reconnect picks up where it left off instead of replaying the whole
// backlog or skipping events.
func (f *FirehoseIngester) resumeURL(ctx context.Context) string {
	cursor, err := f.lockClient.Get(ctx, cursorKey).Int64()
	if err != nil || cursor <= 0 {
		return f.baseURL
	}
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return f.baseURL
	}
	q := u.Query()
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *FirehoseIngester) persistCursor(ctx context.Context, seq int64) {
	f.lockClient.Set(ctx, cursorKey, seq, 0)
}
