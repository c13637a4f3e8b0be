package participation

import (
	"slices"

	"github.com/google/uuid"

	"github.com/lalith-99/partyhub/internal/models"
)

// Reconcile annotates entities with the viewer's participation state.
//
// memberships may contain other users' rows; only userID's are used.
// requests are the pending requests on entities userID owns, and only reach
// the output for private entities. The creator of an entity is its owner
// even if no membership row says so. Output order follows entities.
func Reconcile(entities []models.Entity, memberships []models.Membership, requests []models.JoinRequest, userID uuid.UUID) []EntityView {
	mine := make(map[uuid.UUID]models.Membership, len(memberships))
	if userID != uuid.Nil {
		for _, m := range memberships {
			if m.UserID == userID {
				mine[m.EntityID] = m
			}
		}
	}

	pending := make(map[uuid.UUID][]models.JoinRequest)
	for _, r := range requests {
		pending[r.EntityID] = append(pending[r.EntityID], r)
	}

	out := make([]EntityView, 0, len(entities))
	for _, e := range entities {
		view := EntityView{
			ID:          e.ID,
			Kind:        e.Kind,
			Title:       e.Title,
			Description: e.Description,
			OwnerID:     e.OwnerID,
			IsPrivate:   e.IsPrivate,
			Category:    e.Category,
			Venue:       e.Venue,
			AgeGroup:    e.AgeGroup,
			StartsAt:    e.StartsAt,
			Latitude:    e.Latitude,
			Longitude:   e.Longitude,
			ImageURL:    e.ImageURL,
			CreatedAt:   e.CreatedAt,
			MemberCount: e.MemberCount,
		}

		m, has := mine[e.ID]
		view.setState(classify(e, m, has, userID))

		if view.State == StateOwner && e.IsPrivate {
			view.PendingRequests = summarize(pending[e.ID], userID)
		}
		out = append(out, view)
	}
	return out
}

func classify(e models.Entity, m models.Membership, has bool, userID uuid.UUID) State {
	if userID == uuid.Nil {
		return StateNotJoined
	}
	if e.IsOwnedBy(userID) {
		return StateOwner
	}
	if !has {
		return StateNotJoined
	}
	switch m.Status {
	case models.StatusApproved:
		if m.Role == models.RoleOwner {
			return StateOwner
		}
		return StateApproved
	case models.StatusPending:
		return StatePending
	default:
		return StateNotJoined
	}
}

// summarize keeps only the requester's ID and display name, oldest request
// first. The owner is never listed as their own requester.
func summarize(requests []models.JoinRequest, ownerID uuid.UUID) []RequesterSummary {
	sorted := slices.Clone(requests)
	slices.SortStableFunc(sorted, func(a, b models.JoinRequest) int {
		if c := a.RequestedAt.Compare(b.RequestedAt); c != 0 {
			return c
		}
		return slices.Compare(a.UserID[:], b.UserID[:])
	})

	out := make([]RequesterSummary, 0, len(sorted))
	seen := make(map[uuid.UUID]bool, len(sorted))
	for _, r := range sorted {
		if r.UserID == ownerID || seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		out = append(out, RequesterSummary{UserID: r.UserID, DisplayName: r.DisplayName})
	}
	return out
}
