package model

import (
	"context"
	"time"
)

// ContactStore defines persistence operations for contacts.
//
// Find lookups exclude soft-deleted rows. FindByEmail and FindByPhone
// return ErrNotFound on a miss; callers treat a miss as a branching
// condition, not a failure.
type ContactStore interface {
	FindByEmail(ctx context.Context, email string) (Contact, error)
	FindByPhone(ctx context.Context, phone string) (Contact, error)
	GetByID(ctx context.Context, id int64) (Contact, error)
	// GetCluster returns the primary with the given id plus every
	// contact whose linked_id points at it, ordered by created_at then id.
	GetCluster(ctx context.Context, primaryID int64) ([]Contact, error)
	Create(ctx context.Context, params CreateContactParams) (Contact, error)
	UpdatePrecedenceAndLink(ctx context.Context, id int64, precedence Precedence, linkedID *int64) error
	// RepointSecondaries moves every secondary linked to oldPrimaryID
	// under newPrimaryID.
	RepointSecondaries(ctx context.Context, oldPrimaryID, newPrimaryID int64) error
	// InTransaction runs fn against a store bound to a single
	// serializable transaction. A serialization conflict surfaces as
	// ErrConflict; nothing is committed when fn returns an error.
	InTransaction(ctx context.Context, fn func(ctx context.Context, store ContactStore) error) error
}

// Contact represents one stored submission of an email and/or phone.
type Contact struct {
	ID         int64
	Email      *string
	Phone      *string
	LinkedID   *int64
	Precedence Precedence
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// PrimaryID returns the id anchoring the contact's cluster: the
// contact itself when primary, otherwise its link target.
func (c Contact) PrimaryID() int64 {
	if c.LinkedID != nil {
		return *c.LinkedID
	}
	return c.ID
}

// Precedence enumerates a contact's role within its cluster.
type Precedence string

const (
	// PrecedencePrimary is the canonical contact anchoring a cluster.
	PrecedencePrimary Precedence = "primary"
	// PrecedenceSecondary is a contact subordinate to a primary.
	PrecedenceSecondary Precedence = "secondary"
)

// CreateContactParams contains parameters to create a contact. The
// store assigns id, created_at and updated_at.
type CreateContactParams struct {
	Email      *string
	Phone      *string
	Precedence Precedence
	LinkedID   *int64
}

// ClusterView is the consolidated projection of one identity cluster.
// Emails and Phones list the primary's own value first, followed by
// the remaining distinct values in creation order of their owning
// contact. SecondaryIDs ascend by creation order.
type ClusterView struct {
	PrimaryID    int64
	Emails       []string
	Phones       []string
	SecondaryIDs []int64
}
