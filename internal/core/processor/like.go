package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/cache"
	"driftnet/internal/core/likes"
)

func (p *EventProcessor) handleLike(ctx context.Context, did string, op event.CommitOp) error {
	uri := atURI(did, op.Collection, op.RKey)

	if op.Action == event.ActionDelete {
		like, err := p.Likes.GetByURI(ctx, uri)
		if err != nil {
			if likes.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("lookup like %s: %w", uri, err)
		}
		if err := p.Likes.Delete(ctx, uri); err != nil {
			return fmt.Errorf("delete like %s: %w", uri, err)
		}
		if p.Cache != nil {
			_ = p.Cache.Invalidate(ctx, cache.PostKey(like.SubjectURI))
		}
		return nil
	}

	subject := mapField(op.Record, "subject")
	like := &likes.Like{
		URI:        uri,
		ActorDID:   did,
		SubjectURI: stringField(subject, "uri"),
		SubjectCID: cidField(subject, "cid"),
		CreatedAt:  timeField(op.Record, "createdAt"),
	}

	if err := p.Likes.Upsert(ctx, like); err != nil {
		return fmt.Errorf("upsert like %s: %w", uri, err)
	}
	if p.Cache != nil {
		_ = p.Cache.Invalidate(ctx, cache.PostKey(like.SubjectURI))
	}
	return nil
}
