package processor

import (
	"context"
	"fmt"

	"driftnet/internal/atproto/event"
	"driftnet/internal/core/users"
)

// handleProfile applies an app.bsky.actor.profile record. Per convention
// there is exactly one profile record per repo, keyed by the well-known
// rkey "self"; a delete clears the profile fields back to placeholder
// defaults rather than removing the user row, since the account itself
// still exists.
func (p *EventProcessor) handleProfile(ctx context.Context, did string, op event.CommitOp) error {
	if op.Action == event.ActionDelete {
		_, err := p.Users.ApplyProfile(ctx, did, users.ProfileUpdate{})
		if err != nil {
			return fmt.Errorf("clear profile for %s: %w", did, err)
		}
		return nil
	}

	update := users.ProfileUpdate{}
	if name := stringField(op.Record, "displayName"); name != "" {
		update.DisplayName = &name
	}
	if desc := stringField(op.Record, "description"); desc != "" {
		update.Description = &desc
	}
	if avatar := cidField(op.Record, "avatar"); avatar != "" {
		update.AvatarCID = &avatar
	}
	if banner := cidField(op.Record, "banner"); banner != "" {
		update.BannerCID = &banner
	}
	if pinned := mapField(op.Record, "pinnedPost"); pinned != nil {
		if uri := stringField(pinned, "uri"); uri != "" {
			update.PinnedPostURI = &uri
		}
	}

	if _, err := p.Users.ApplyProfile(ctx, did, update); err != nil {
		return fmt.Errorf("apply profile for %s: %w", did, err)
	}
	return nil
}
