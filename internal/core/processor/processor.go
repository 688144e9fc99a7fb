// Package processor consumes decoded firehose events from the durable
// log and applies them as idempotent upserts/deletes against the core
// repositories, materializing users lazily and invalidating derived cache
// state as it goes. Each handler follows the same shape: validate the
// record, call the repository, hand anything unresolvable to the repair
// queue.
package processor

import (
	"context"
	"fmt"
	"log/slog"

	"driftnet/internal/atproto/event"
	"driftnet/internal/atproto/identity"
	"driftnet/internal/cache"
	"driftnet/internal/core/blocks"
	"driftnet/internal/core/follows"
	"driftnet/internal/core/likes"
	"driftnet/internal/core/lists"
	"driftnet/internal/core/posts"
	"driftnet/internal/core/reposts"
	"driftnet/internal/core/threadgates"
	"driftnet/internal/core/users"
)

// RepairHandoff receives ops the processor could not apply immediately
// because a dependency (usually the repo record for a CID mentioned by
// reference) hasn't been indexed yet. internal/core/repair implements
// this by tracking the op and retrying it later.
type RepairHandoff interface {
	MarkIncomplete(ctx context.Context, kind, did, uri string, aux map[string]any)
}

// EventProcessor applies one decoded firehose event at a time. It holds no
// queue of its own; callers (a worker pool draining the durable log) decide
// concurrency and batching.
type EventProcessor struct {
	Posts       posts.Repository
	Likes       likes.Repository
	Reposts     reposts.Repository
	Follows     follows.Repository
	Blocks      blocks.Repository
	Lists       lists.Repository
	Threadgates threadgates.Repository
	Users       users.Service

	Identity identity.Resolver
	Cache    cache.Cache
	Repair   RepairHandoff

	logger *slog.Logger

	pending *pendingOps
}

// New builds an EventProcessor with all repositories wired. Any nil
// dependency is left as-is. A nil Cache or Repair is skipped by every
// handler, and the dependency checks skip a nil Posts or Lists; any other
// nil repository panics the first time a handler uses it.
func New(
	postsRepo posts.Repository,
	likesRepo likes.Repository,
	repostsRepo reposts.Repository,
	followsRepo follows.Repository,
	blocksRepo blocks.Repository,
	listsRepo lists.Repository,
	threadgatesRepo threadgates.Repository,
	userService users.Service,
	resolver identity.Resolver,
	c cache.Cache,
	repair RepairHandoff,
	logger *slog.Logger,
) *EventProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventProcessor{
		Posts:       postsRepo,
		Likes:       likesRepo,
		Reposts:     repostsRepo,
		Follows:     followsRepo,
		Blocks:      blocksRepo,
		Lists:       listsRepo,
		Threadgates: threadgatesRepo,
		Users:       userService,
		Identity:    resolver,
		Cache:       c,
		Repair:      repair,
		logger:      logger,
		pending:     newPendingOps(),
	}
}

// Process dispatches one decoded event to its collection handler. It never
// returns an error for a single malformed op within a commit — those are
// logged and skipped so one bad record doesn't stall the whole commit or
// the consumer group behind it.
func (p *EventProcessor) Process(ctx context.Context, e event.Event) error {
	switch e.Kind {
	case event.KindCommit:
		return p.processCommit(ctx, e)
	case event.KindIdentity:
		return p.processIdentity(ctx, e)
	case event.KindAccount:
		return p.processAccount(ctx, e)
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

func (p *EventProcessor) processCommit(ctx context.Context, e event.Event) error {
	if _, err := p.Users.EnsurePlaceholder(ctx, e.DID, ""); err != nil {
		p.logger.Error("ensure placeholder user failed", "did", e.DID, "error", err)
	}

	for _, op := range e.Ops {
		if err := p.processOp(ctx, e.DID, op); err != nil {
			p.logger.Warn("commit op failed, skipping", "did", e.DID, "collection", op.Collection, "rkey", op.RKey, "error", err)
		}
	}
	return nil
}

func (p *EventProcessor) processOp(ctx context.Context, did string, op event.CommitOp) error {
	switch op.Collection {
	case collectionPost:
		return p.handlePost(ctx, did, op)
	case collectionLike:
		return p.handleLike(ctx, did, op)
	case collectionRepost:
		return p.handleRepost(ctx, did, op)
	case collectionFollow:
		return p.handleFollow(ctx, did, op)
	case collectionBlock:
		return p.handleBlock(ctx, did, op)
	case collectionList:
		return p.handleList(ctx, did, op)
	case collectionListItem:
		return p.handleListItem(ctx, did, op)
	case collectionThreadgate:
		return p.handleThreadgate(ctx, did, op)
	case collectionProfile:
		return p.handleProfile(ctx, did, op)
	default:
		// Unrecognized collections are expected and harmless: the firehose
		// carries every collection any account uses, most of which this
		// AppView has no opinion about.
		return nil
	}
}

func (p *EventProcessor) processIdentity(ctx context.Context, e event.Event) error {
	if e.Handle == "" {
		return nil
	}
	doc, err := p.Identity.ResolveDID(ctx, e.DID)
	if err == nil && doc != nil && !p.Identity.VerifyHandle(doc, e.Handle) {
		p.logger.Warn("identity event handle not confirmed by DID document, skipping", "did", e.DID, "handle", e.Handle)
		return nil
	}
	if _, err := p.Users.UpdateHandle(ctx, e.DID, e.Handle); err != nil {
		return fmt.Errorf("update handle: %w", err)
	}
	return nil
}

func (p *EventProcessor) processAccount(ctx context.Context, e event.Event) error {
	status := users.AccountStatus(e.Status)
	if status == "" {
		status = users.AccountActive
	}
	if err := p.Users.UpdateStatus(ctx, e.DID, status); err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

// atURI builds the at:// URI a record's own collection/rkey imply.
func atURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

const (
	collectionPost       = "app.bsky.feed.post"
	collectionLike       = "app.bsky.feed.like"
	collectionRepost     = "app.bsky.feed.repost"
	collectionFollow     = "app.bsky.graph.follow"
	collectionBlock      = "app.bsky.graph.block"
	collectionList       = "app.bsky.graph.list"
	collectionListItem   = "app.bsky.graph.listitem"
	collectionThreadgate = "app.bsky.feed.threadgate"
	collectionProfile    = "app.bsky.actor.profile"
)
