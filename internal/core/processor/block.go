package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/cache"
	"driftnet/internal/core/blocks"
)

func (p *EventProcessor) handleBlock(ctx context.Context, did string, op event.CommitOp) error {
	uri := atURI(did, op.Collection, op.RKey)

	if op.Action == event.ActionDelete {
		block, err := p.Blocks.GetByURI(ctx, uri)
		if err != nil {
			if blocks.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("lookup block %s: %w", uri, err)
		}
		if err := p.Blocks.Delete(ctx, uri); err != nil {
			return fmt.Errorf("delete block %s: %w", uri, err)
		}
		if p.Cache != nil {
			_ = p.Cache.Invalidate(ctx, cache.ViewerBlocksKey(block.ActorDID))
		}
		return nil
	}

	block := &blocks.Block{
		URI:       uri,
		ActorDID:  did,
		TargetDID: stringField(op.Record, "subject"),
		CreatedAt: timeField(op.Record, "createdAt"),
	}

	if err := block.ValidateInvariants(); err != nil {
		return fmt.Errorf("block invariants: %w", err)
	}

	if _, err := p.Users.EnsurePlaceholder(ctx, block.TargetDID, ""); err != nil {
		return fmt.Errorf("ensure placeholder for block target: %w", err)
	}

	if err := p.Blocks.Upsert(ctx, block); err != nil {
		return fmt.Errorf("upsert block %s: %w", uri, err)
	}
	if p.Cache != nil {
		_ = p.Cache.Invalidate(ctx, cache.ViewerBlocksKey(block.ActorDID))
	}
	return nil
}
