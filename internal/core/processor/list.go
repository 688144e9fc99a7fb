package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/cache"
	"driftnet/internal/core/lists"
)

func (p *EventProcessor) handleList(ctx context.Context, did string, op event.CommitOp) error {
	uri := atURI(did, op.Collection, op.RKey)

	if op.Action == event.ActionDelete {
		if err := p.Lists.Delete(ctx, uri); err != nil {
			return fmt.Errorf("delete list %s: %w", uri, err)
		}
		if err := p.Lists.DeleteItemsByList(ctx, uri); err != nil {
			return fmt.Errorf("delete items for list %s: %w", uri, err)
		}
		if p.Cache != nil {
			_ = p.Cache.Invalidate(ctx, cache.ListMembersKey(uri))
		}
		return nil
	}

	list := &lists.List{
		URI:       uri,
		OwnerDID:  did,
		Name:      stringField(op.Record, "name"),
		Purpose:   lists.Purpose(stringField(op.Record, "purpose")),
		CreatedAt: timeField(op.Record, "createdAt"),
	}
	if desc := stringField(op.Record, "description"); desc != "" {
		list.Description = &desc
	}
	if avatar := cidField(op.Record, "avatar"); avatar != "" {
		list.AvatarCID = &avatar
	}

	if err := p.Lists.Upsert(ctx, list); err != nil {
		return fmt.Errorf("upsert list %s: %w", uri, err)
	}

	for _, pending := range p.pending.drain("list", uri) {
		pending()
	}
	return nil
}

func (p *EventProcessor) handleListItem(ctx context.Context, did string, op event.CommitOp) error {
	uri := atURI(did, op.Collection, op.RKey)

	if op.Action == event.ActionDelete {
		item, err := p.Lists.GetItemByURI(ctx, uri)
		if err != nil {
			if lists.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("lookup list item %s: %w", uri, err)
		}
		if err := p.Lists.DeleteItem(ctx, uri); err != nil {
			return fmt.Errorf("delete list item %s: %w", uri, err)
		}
		if p.Cache != nil {
			_ = p.Cache.Invalidate(ctx, cache.ListMembersKey(item.ListURI))
		}
		return nil
	}

	item := &lists.Item{
		URI:        uri,
		ListURI:    stringField(op.Record, "list"),
		SubjectDID: stringField(op.Record, "subject"),
		CreatedAt:  timeField(op.Record, "createdAt"),
	}

	if _, err := p.Users.EnsurePlaceholder(ctx, item.SubjectDID, ""); err != nil {
		return fmt.Errorf("ensure placeholder for list item subject: %w", err)
	}

	// The referenced list may not be indexed yet; UpsertItem tolerates
	// this, and handleList drains retries for it once the
	// list itself arrives — here that retry is simply re-invalidating the
	// members cache, since the row is already durably stored either way.
	if err := p.Lists.UpsertItem(ctx, item); err != nil {
		return fmt.Errorf("upsert list item %s: %w", uri, err)
	}
	if p.Cache != nil {
		_ = p.Cache.Invalidate(ctx, cache.ListMembersKey(item.ListURI))
	}
	p.pending.add("list", item.ListURI, func() {
		if p.Cache != nil {
			_ = p.Cache.Invalidate(context.Background(), cache.ListMembersKey(item.ListURI))
		}
	})
	return nil
}
