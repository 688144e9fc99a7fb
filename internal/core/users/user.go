// Package users tracks AppView-local materializations of atProto actors.
//
// A User row is metadata only: it never holds the account's repository,
// which lives on the account's own PDS. Rows are created lazily the first
// time the processor sees a DID it has never indexed (as a placeholder whose
// handle is the DID itself), then enriched once the account's profile record or identity
// event arrives.
package users

import "time"

// AccountStatus mirrors the account lifecycle values carried by firehose
// #account events.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountTakendown   AccountStatus = "takendown"
	AccountDeactivated AccountStatus = "deactivated"
	AccountSuspended   AccountStatus = "suspended"
)

// User is the AppView's local record of an atProto actor.
type User struct {
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time     `json:"updatedAt" db:"updated_at"`
	DID       string        `json:"did" db:"did"`
	Handle    string        `json:"handle" db:"handle"`
	PDSURL    string        `json:"pdsUrl" db:"pds_url"`
	Status    AccountStatus `json:"status" db:"status"`

	// Placeholder is true until the user's profile record has been indexed
	// (ApplyProfile clears it). A placeholder user was materialized only
	// because something referenced its DID (a like, a follow, a reply).
	Placeholder bool `json:"placeholder" db:"placeholder"`

	// Profile fields, populated once a profile record has been indexed.
	// Nil until then.
	DisplayName    *string `json:"displayName,omitempty" db:"display_name"`
	Description    *string `json:"description,omitempty" db:"description"`
	AvatarCID      *string `json:"avatarCid,omitempty" db:"avatar_cid"`
	BannerCID      *string `json:"bannerCid,omitempty" db:"banner_cid"`
	PinnedPostURI  *string `json:"pinnedPostUri,omitempty" db:"pinned_post_uri"`
	ProfileIndexed bool    `json:"profileIndexed" db:"profile_indexed"`
}

// CreateUserRequest represents the input for materializing a new user row.
type CreateUserRequest struct {
	DID         string
	Handle      string
	PDSURL      string
	Placeholder bool
}

// ProfileUpdate carries the fields extracted from an indexed profile record.
type ProfileUpdate struct {
	DisplayName   *string
	Description   *string
	AvatarCID     *string
	BannerCID     *string
	PinnedPostURI *string
}
