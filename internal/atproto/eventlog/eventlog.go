// Package eventlog provides the durable, sharded event log between the
// firehose ingester and the worker fleet, a thin wrapper over Redis
// Streams — the natural native mapping of
// push/consume/ack/claimPending/depth onto XADD/XREADGROUP/XACK/XAUTOCLAIM/
// XLEN, with XADD's approximate MAXLEN doing the trimming. Grounded on jordigilh-kubernaut's go-redis client
// conventions (connection options, context-scoped calls).
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"driftnet/internal/atproto/event"

	"github.com/redis/go-redis/v9"
)

const (
	// StreamKey is the append-only log all workers consume.
	StreamKey = "events:log"

	// DefaultTrimApprox is the log's rolling cap: entries beyond it are
	// trimmed approximately (XADD MAXLEN ~) rather than exactly.
	DefaultTrimApprox = 100_000

	// DefaultClaimIdle is the idle window ClaimPending uses when given a
	// negative idle; an idle of zero makes every pending message stealable.
	DefaultClaimIdle = 30 * time.Second

	fieldPayload = "payload"
)

// Message pairs a log-assigned ID with the decoded event it carries.
type Message struct {
	ID    string
	Event event.Event
}

// DurableEventLog is the log contract the ingester writes and workers
// consume: capacity-bounded append, consumer-group reads, explicit acks,
// and dead-worker reclaim.
type DurableEventLog interface {
	Push(ctx context.Context, e event.Event) error
	Consume(ctx context.Context, consumerID string, n int64) ([]Message, error)
	Ack(ctx context.Context, msgID string) error
	ClaimPending(ctx context.Context, consumerID string, idle time.Duration) ([]Message, error)
	Depth(ctx context.Context) (int64, error)

	// IncrCounter bumps a cluster-wide event-kind counter.
	// Implementations may buffer locally and flush
	// periodically rather than hitting Redis per call.
	IncrCounter(kind string, delta int64)

	// SetStatus publishes the short-TTL firehose:status blob.
	SetStatus(ctx context.Context, status Status) error

	// Close stops any background flush goroutine and closes the
	// underlying connection.
	Close() error
}

// Status is the firehose:status payload.
type Status struct {
	Connected     bool   `json:"connected"`
	URL           string `json:"url"`
	CurrentCursor int64  `json:"currentCursor"`
}

const (
	consumerGroup   = "appview-workers"
	statusKey       = "firehose:status"
	statusTTL       = 10 * time.Second
	countersHashKey = "cluster:metrics"
	counterFlush    = 500 * time.Millisecond
)

type redisLog struct {
	client      *redis.Client
	trimApprox  int64
	counterCh   chan counterDelta
	stopFlush   chan struct{}
	flushDoneCh chan struct{}
}

type counterDelta struct {
	kind  string
	delta int64
}

// New creates a Redis Streams-backed DurableEventLog and ensures the
// consumer group exists (MKSTREAM semantics).
func New(ctx context.Context, client *redis.Client, trimApprox int64) (DurableEventLog, error) {
	if trimApprox <= 0 {
		trimApprox = DefaultTrimApprox
	}
	l := &redisLog{
		client:      client,
		trimApprox:  trimApprox,
		counterCh:   make(chan counterDelta, 1024),
		stopFlush:   make(chan struct{}),
		flushDoneCh: make(chan struct{}),
	}
	if err := l.ensureGroup(ctx); err != nil {
		return nil, err
	}
	go l.flushLoop()
	return l, nil
}

// ensureGroup creates the consumer group if missing. A BUSYGROUP reply
// means another worker already created it; that is not an error —
// whichever worker gets there first wins and the rest proceed.
func (l *redisLog) ensureGroup(ctx context.Context) error {
	err := l.client.XGroupCreateMkStream(ctx, StreamKey, consumerGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func (l *redisLog) Push(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: l.trimApprox,
		Approx: true,
		Values: map[string]interface{}{fieldPayload: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	l.IncrCounter(string(e.Kind), 1)
	l.IncrCounter("totalEvents", 1)
	return nil
}

func (l *redisLog) Consume(ctx context.Context, consumerID string, n int64) ([]Message, error) {
	// A ~100ms block keeps idle workers from hot-looping without
	// holding a connection open indefinitely.
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerID,
		Streams:  []string{StreamKey, ">"},
		Count:    n,
		Block:    100 * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return decodeStreams(streams), nil
}

func (l *redisLog) Ack(ctx context.Context, msgID string) error {
	if err := l.client.XAck(ctx, StreamKey, consumerGroup, msgID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msgID, err)
	}
	return nil
}

func (l *redisLog) ClaimPending(ctx context.Context, consumerID string, idle time.Duration) ([]Message, error) {
	if idle < 0 {
		idle = DefaultClaimIdle
	}
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    consumerGroup,
		Consumer: consumerID,
		MinIdle:  idle,
		Start:    "0",
		Count:    100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return decodeMessages(msgs), nil
}

func (l *redisLog) Depth(ctx context.Context) (int64, error) {
	length, err := l.client.XLen(ctx, StreamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	return length, nil
}

func (l *redisLog) IncrCounter(kind string, delta int64) {
	select {
	case l.counterCh <- counterDelta{kind: kind, delta: delta}:
	default:
		// Buffer full: drop rather than block the hot ingest/process path.
		// Dashboards reading cluster:metrics tolerate brief undercounting.
	}
}

// flushLoop aggregates counter deltas locally and flushes to the shared
// hash every ~500ms via HINCRBY.
func (l *redisLog) flushLoop() {
	defer close(l.flushDoneCh)
	ticker := time.NewTicker(counterFlush)
	defer ticker.Stop()
	local := make(map[string]int64)

	flush := func() {
		if len(local) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		pipe := l.client.Pipeline()
		for kind, n := range local {
			pipe.HIncrBy(ctx, countersHashKey, kind, n)
		}
		_, _ = pipe.Exec(ctx)
		cancel()
		for k := range local {
			delete(local, k)
		}
	}

	for {
		select {
		case d := <-l.counterCh:
			local[d.kind] += d.delta
		case <-ticker.C:
			flush()
		case <-l.stopFlush:
			flush()
			return
		}
	}
}

func (l *redisLog) SetStatus(ctx context.Context, status Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := l.client.Set(ctx, statusKey, payload, statusTTL).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (l *redisLog) Close() error {
	close(l.stopFlush)
	<-l.flushDoneCh
	return l.client.Close()
}

func decodeStreams(streams []redis.XStream) []Message {
	var out []Message
	for _, s := range streams {
		out = append(out, decodeMessages(s.Messages)...)
	}
	return out
}

func decodeMessages(msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[fieldPayload]
		if !ok {
			continue
		}
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			// Malformed messages are surfaced via a zero-value Event and
			// left for the caller to ack-and-drop, so a poison message
			// never wedges the consumer group in a retry loop.
			out = append(out, Message{ID: m.ID, Event: event.Event{}})
			continue
		}
		out = append(out, Message{ID: m.ID, Event: e})
	}
	return out
}
