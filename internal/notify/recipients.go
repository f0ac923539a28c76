package notify

import (
	"context"

	"github.com/google/uuid"
)

// UserDirectory is the read-only view of CRM users needed to resolve recipients.
type UserDirectory interface {
	ActiveUserIDs(ctx context.Context) ([]uuid.UUID, error)
	ActiveUserIDsByRoles(ctx context.Context, roles []string) ([]uuid.UUID, error)
	ExistingUserIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

// RecipientSelector resolves the candidate recipients of an event.
type RecipientSelector interface {
	Resolve(ctx context.Context, dir UserDirectory) ([]uuid.UUID, error)
	broadcast() bool
}

// AllUsers selects every active user at dispatch time.
type AllUsers struct{}

func (AllUsers) Resolve(ctx context.Context, dir UserDirectory) ([]uuid.UUID, error) {
	ids, err := dir.ActiveUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	return dedupe(ids), nil
}

func (AllUsers) broadcast() bool { return true }

// ByRole selects active users holding any of the roles.
type ByRole struct {
	Roles []string
}

func (s ByRole) Resolve(ctx context.Context, dir UserDirectory) ([]uuid.UUID, error) {
	if len(s.Roles) == 0 {
		return nil, nil
	}
	ids, err := dir.ActiveUserIDsByRoles(ctx, s.Roles)
	if err != nil {
		return nil, err
	}
	return dedupe(ids), nil
}

func (ByRole) broadcast() bool { return true }

// ByIDs selects the given users in order. IDs the directory does not know are
// dropped; inactive users are kept since they were named explicitly.
type ByIDs struct {
	IDs []uuid.UUID
}

func (s ByIDs) Resolve(ctx context.Context, dir UserDirectory) ([]uuid.UUID, error) {
	ids := dedupe(s.IDs)
	if len(ids) == 0 {
		return ids, nil
	}
	existing, err := dir.ExistingUserIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[uuid.UUID]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := known[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (ByIDs) broadcast() bool { return false }

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
