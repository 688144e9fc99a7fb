package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/cache"
	"driftnet/internal/core/posts"
)

func (p *EventProcessor) handlePost(ctx context.Context, did string, op event.CommitOp) error {
	uri := atURI(did, op.Collection, op.RKey)

	if op.Action == event.ActionDelete {
		if err := p.Posts.Delete(ctx, uri); err != nil {
			return fmt.Errorf("delete post %s: %w", uri, err)
		}
		if p.Cache != nil {
			_ = p.Cache.InvalidatePrefix(ctx, cache.ThreadKeyPrefix(uri))
		}
		return nil
	}

	post := &posts.Post{
		URI:       uri,
		CID:       op.CID,
		AuthorDID: did,
		Text:      stringField(op.Record, "text"),
		Langs:     stringSliceField(op.Record, "langs"),
		CreatedAt: timeField(op.Record, "createdAt"),
	}

	if reply := mapField(op.Record, "reply"); reply != nil {
		if parent := mapField(reply, "parent"); parent != nil {
			post.Parent = &posts.ReplyRef{URI: stringField(parent, "uri"), CID: cidField(parent, "cid")}
		}
		if root := mapField(reply, "root"); root != nil {
			post.Root = &posts.ReplyRef{URI: stringField(root, "uri"), CID: cidField(root, "cid")}
		}
	}

	if err := post.ValidateInvariants(); err != nil {
		return fmt.Errorf("post invariants: %w", err)
	}

	if err := p.Posts.Upsert(ctx, post); err != nil {
		return fmt.Errorf("upsert post %s: %w", uri, err)
	}

	if post.IsReply() {
		p.ensureDependency(ctx, "post", post.Parent.URI)
		if post.Root.URI != post.Parent.URI {
			p.ensureDependency(ctx, "post", post.Root.URI)
		}
	}

	if p.Cache != nil {
		_ = p.Cache.Invalidate(ctx, cache.PostKey(uri))
		if post.IsReply() {
			_ = p.Cache.InvalidatePrefix(ctx, cache.ThreadKeyPrefix(post.Root.URI))
		}
	}
	return nil
}

// ensureDependency checks whether a referenced post is already indexed and,
// if not, hands the reference to the repair worker so it can be backfilled
// from the author's PDS.
func (p *EventProcessor) ensureDependency(ctx context.Context, kind, uri string) {
	if p.Posts == nil {
		return
	}
	exists, err := p.Posts.Exists(ctx, uri)
	if err != nil || exists {
		return
	}
	if p.Repair != nil {
		p.Repair.MarkIncomplete(ctx, kind, "", uri, nil)
	}
}
