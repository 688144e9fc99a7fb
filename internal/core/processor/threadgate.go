package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/cache"
	"driftnet/internal/core/threadgates"
)

func (p *EventProcessor) handleThreadgate(ctx context.Context, did string, op event.CommitOp) error {
	// A threadgate shares its rkey with the post it gates, so the post URI
	// is always derivable by swapping the collection — which matters for
	// deletes, where no record body arrives. When a body is present its
	// own post field wins.
	postURI := atURI(did, collectionPost, op.RKey)
	if fromRecord := stringField(op.Record, "post"); fromRecord != "" {
		postURI = fromRecord
	}

	if op.Action == event.ActionDelete {
		if err := p.Threadgates.DeleteByPostURI(ctx, postURI); err != nil {
			return fmt.Errorf("delete threadgate for %s: %w", postURI, err)
		}
		p.invalidateGate(ctx, postURI)
		return nil
	}

	gate := &threadgates.ThreadGate{
		URI:              atURI(did, op.Collection, op.RKey),
		PostURI:          postURI,
		OwnerDID:         did,
		AllowListURIs:    nil,
		AllowMentions:    false,
		AllowFollowing:   false,
		AllowListMembers: false,
	}

	for _, rule := range sliceField(op.Record, "allow") {
		ruleType := stringField(rule, "$type")
		switch ruleType {
		case "app.bsky.feed.threadgate#mentionRule":
			gate.AllowMentions = true
		case "app.bsky.feed.threadgate#followingRule":
			gate.AllowFollowing = true
		case "app.bsky.feed.threadgate#listRule":
			gate.AllowListMembers = true
			if listURI := stringField(rule, "list"); listURI != "" {
				gate.AllowListURIs = append(gate.AllowListURIs, listURI)
			}
		}
	}

	if err := p.Threadgates.Upsert(ctx, gate); err != nil {
		return fmt.Errorf("upsert threadgate for %s: %w", postURI, err)
	}

	for _, listURI := range gate.AllowListURIs {
		p.ensureListDependency(ctx, listURI)
	}

	p.invalidateGate(ctx, postURI)
	return nil
}

// invalidateGate drops both the gate entry and every cached rendering of
// the thread it guards, since reply visibility may have changed.
func (p *EventProcessor) invalidateGate(ctx context.Context, postURI string) {
	if p.Cache == nil {
		return
	}
	_ = p.Cache.Invalidate(ctx, cache.GateKey(postURI))
	_ = p.Cache.InvalidatePrefix(ctx, cache.ThreadKeyPrefix(postURI))
}

func (p *EventProcessor) ensureListDependency(ctx context.Context, listURI string) {
	if p.Lists == nil {
		return
	}
	if _, err := p.Lists.GetByURI(ctx, listURI); err != nil && p.Repair != nil {
		p.Repair.MarkIncomplete(ctx, "list", "", listURI, nil)
	}
}

// sliceField reads a []map[string]any-shaped array field (the threadgate
// "allow" union array), tolerating non-object elements by skipping them.
func sliceField(rec map[string]any, key string) []map[string]any {
	v, ok := rec[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
