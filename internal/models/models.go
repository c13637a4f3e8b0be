package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityKind distinguishes the two joinable things: events and communities.
// Both live in the entities table and share one memberships table.
type EntityKind string

const (
	KindEvent     EntityKind = "event"
	KindCommunity EntityKind = "community"
)

func (k EntityKind) Valid() bool {
	return k == KindEvent || k == KindCommunity
}

// MembershipStatus is the status column of a membership row. A user with no
// row is "not joined"; there is no stored status for that.
type MembershipStatus string

const (
	StatusPending  MembershipStatus = "pending"
	StatusApproved MembershipStatus = "approved"
)

// Role is stored next to the status. The creator of an entity gets an
// approved membership with RoleOwner so MemberCount includes them.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Entity is a joinable row: an event or a community.
//
// MemberCount is denormalized. It always equals the number of approved
// memberships for the entity and is only ever changed by the store inside
// the same transaction as the membership write.
type Entity struct {
	ID          uuid.UUID  `json:"id"`
	Kind        EntityKind `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	OwnerID     *uuid.UUID `json:"owner_id,omitempty"`
	IsPrivate   bool       `json:"is_private"`
	Category    string     `json:"category,omitempty"`
	MemberCount int        `json:"member_count"`
	CreatedAt   time.Time  `json:"created_at"`

	// Event-only fields. Zero for communities.
	Venue     string     `json:"venue,omitempty"`
	AgeGroup  string     `json:"age_group,omitempty"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`

	// ImageURL is the event poster or the community cover.
	ImageURL string `json:"image_url,omitempty"`
}

// IsOwnedBy reports whether userID created the entity.
func (e Entity) IsOwnedBy(userID uuid.UUID) bool {
	return e.OwnerID != nil && userID != uuid.Nil && *e.OwnerID == userID
}

// Membership is the join table row between an entity and a user.
// (entity_id, user_id) is the primary key: at most one row per pair.
type Membership struct {
	EntityID   uuid.UUID        `json:"entity_id"`
	EntityKind EntityKind       `json:"entity_kind"`
	UserID     uuid.UUID        `json:"user_id"`
	Status     MembershipStatus `json:"status"`
	Role       Role             `json:"role"`
	JoinedAt   time.Time        `json:"joined_at"`
}

// JoinRequest is a pending membership on an entity, as seen by the entity's
// owner. It deliberately carries the display name only.
type JoinRequest struct {
	EntityID    uuid.UUID `json:"entity_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	RequestedAt time.Time `json:"requested_at"`
}

// Message is a single chat message in a community. It has text, a shared
// event, or both.
type Message struct {
	ID          int64      `json:"id"`
	CommunityID uuid.UUID  `json:"community_id"`
	AuthorID    uuid.UUID  `json:"author_id"`
	Content     *string    `json:"content,omitempty"`
	EventID     *uuid.UUID `json:"event_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Valid reports whether the message has content or a shared event.
func (m Message) Valid() bool {
	hasContent := m.Content != nil && strings.TrimSpace(*m.Content) != ""
	hasEvent := m.EventID != nil && *m.EventID != uuid.Nil
	return hasContent || hasEvent
}

// User is an account row. PasswordHash never leaves the server.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Settings is the per-user toggle bag, stored as jsonb.
type Settings struct {
	Notifications    bool `json:"notifications"`
	LocationServices bool `json:"location_services"`
	PublicProfile    bool `json:"public_profile"`
}

// SettingsPatch is a partial update: nil fields are left alone.
type SettingsPatch struct {
	Notifications    *bool `json:"notifications"`
	LocationServices *bool `json:"location_services"`
	PublicProfile    *bool `json:"public_profile"`
}

// Apply merges the patch into s and returns the result.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.Notifications != nil {
		s.Notifications = *p.Notifications
	}
	if p.LocationServices != nil {
		s.LocationServices = *p.LocationServices
	}
	if p.PublicProfile != nil {
		s.PublicProfile = *p.PublicProfile
	}
	return s
}

// Profile is the user-owned part of an account. Experience and level are
// derived on read and never stored.
type Profile struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	AvatarURL   *string   `json:"avatar_url"`
	Bio         string    `json:"bio"`
	Settings    Settings  `json:"settings"`
	CreatedAt   time.Time `json:"created_at"`
}

// EntityUpdate carries the fields an owner may edit. Nil fields are left
// unchanged.
type EntityUpdate struct {
	Title       *string
	Description *string
	IsPrivate   *bool
	ImageURL    *string
}

// Empty reports whether the update changes nothing.
func (u EntityUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.IsPrivate == nil && u.ImageURL == nil
}

// ProfileUpdate carries the fields a user may change on their own profile.
type ProfileUpdate struct {
	DisplayName *string
	Bio         *string
	Settings    *SettingsPatch
}

// Ticket is an approved participation in an event, listed on the profile.
type Ticket struct {
	EventID  uuid.UUID  `json:"event_id"`
	Title    string     `json:"title"`
	Venue    string     `json:"venue"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	JoinedAt time.Time  `json:"joined_at"`
}
