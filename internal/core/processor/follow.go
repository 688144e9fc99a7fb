package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/cache"
	"driftnet/internal/core/follows"
)

func (p *EventProcessor) handleFollow(ctx context.Context, did string, op event.CommitOp) error {
	uri := atURI(did, op.Collection, op.RKey)

	if op.Action == event.ActionDelete {
		follow, err := p.Follows.GetByURI(ctx, uri)
		if err != nil {
			if follows.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("lookup follow %s: %w", uri, err)
		}
		if err := p.Follows.Delete(ctx, uri); err != nil {
			return fmt.Errorf("delete follow %s: %w", uri, err)
		}
		if p.Cache != nil {
			_ = p.Cache.Invalidate(ctx, cache.UserFollowingKey(follow.ActorDID))
		}
		return nil
	}

	follow := &follows.Follow{
		URI:       uri,
		ActorDID:  did,
		TargetDID: stringField(op.Record, "subject"),
		CreatedAt: timeField(op.Record, "createdAt"),
	}

	if err := follow.ValidateInvariants(); err != nil {
		return fmt.Errorf("follow invariants: %w", err)
	}

	if _, err := p.Users.EnsurePlaceholder(ctx, follow.TargetDID, ""); err != nil {
		return fmt.Errorf("ensure placeholder for follow target: %w", err)
	}

	if err := p.Follows.Upsert(ctx, follow); err != nil {
		return fmt.Errorf("upsert follow %s: %w", uri, err)
	}
	if p.Cache != nil {
		_ = p.Cache.Invalidate(ctx, cache.UserFollowingKey(follow.ActorDID))
	}
	return nil
}
