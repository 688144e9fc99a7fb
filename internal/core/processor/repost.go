package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/cache"
	"driftnet/internal/core/reposts"
)

func (p *EventProcessor) handleRepost(ctx context.Context, did string, op event.CommitOp) error {
	uri := atURI(did, op.Collection, op.RKey)

	if op.Action == event.ActionDelete {
		repost, err := p.Reposts.GetByURI(ctx, uri)
		if err != nil {
			if reposts.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("lookup repost %s: %w", uri, err)
		}
		if err := p.Reposts.Delete(ctx, uri); err != nil {
			return fmt.Errorf("delete repost %s: %w", uri, err)
		}
		if p.Cache != nil {
			_ = p.Cache.Invalidate(ctx, cache.PostKey(repost.SubjectURI))
		}
		return nil
	}

	subject := mapField(op.Record, "subject")
	repost := &reposts.Repost{
		URI:        uri,
		ActorDID:   did,
		SubjectURI: stringField(subject, "uri"),
		SubjectCID: cidField(subject, "cid"),
		CreatedAt:  timeField(op.Record, "createdAt"),
	}

	if err := p.Reposts.Upsert(ctx, repost); err != nil {
		return fmt.Errorf("upsert repost %s: %w", uri, err)
	}
	if p.Cache != nil {
		_ = p.Cache.Invalidate(ctx, cache.PostKey(repost.SubjectURI))
	}
	return nil
}
