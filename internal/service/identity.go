package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslink-io/identity-server/internal/logger"
	"github.com/crosslink-io/identity-server/internal/metrics"
	"github.com/crosslink-io/identity-server/internal/model"
)

const defaultMaxTxAttempts = 2

// Identity resolves submissions of email/phone pairs into identity
// clusters: it decides whether a submission is already known, extends
// an existing cluster, or bridges two clusters into one.
type Identity struct {
	contactStore  model.ContactStore
	logger        *logger.Logger
	metrics       *metrics.Metrics
	maxTxAttempts int
}

// NewIdentity creates an Identity service. maxTxAttempts bounds how
// many times one call re-runs its transaction after a serialization
// conflict; values below 1 fall back to the default.
func NewIdentity(
	contactStore model.ContactStore,
	logger *logger.Logger,
	metrics *metrics.Metrics,
	maxTxAttempts int,
) *Identity {
	if maxTxAttempts < 1 {
		maxTxAttempts = defaultMaxTxAttempts
	}
	return &Identity{
		contactStore:  contactStore,
		logger:        logger,
		metrics:       metrics,
		maxTxAttempts: maxTxAttempts,
	}
}

// resolution is the outcome of one resolve pass inside a transaction.
type resolution struct {
	anchor  model.Contact
	created bool
	merged  bool
}

// Identify resolves the submission and returns the consolidated view
// of the cluster it belongs to. At least one of email/phone must be
// set; passing neither is a programmer error upstream and returns
// model.ErrInvalidInput without touching the store.
//
// The lookup-decide-write sequence runs inside a single serializable
// transaction. A conflicting concurrent call causes the whole decision
// to be re-run from fresh lookups, so duplicate submissions can never
// create two primaries for the same identity.
func (s *Identity) Identify(ctx context.Context, email, phone *string) (model.ClusterView, error) {
	s.metrics.IncrementIdentifyRequests()

	if email == nil && phone == nil {
		return model.ClusterView{}, model.ErrInvalidInput
	}

	var view model.ClusterView
	var res resolution

	for attempt := 1; ; attempt++ {
		err := s.contactStore.InTransaction(ctx, func(ctx context.Context, store model.ContactStore) error {
			var err error
			res, err = s.resolve(ctx, store, email, phone)
			if err != nil {
				return err
			}
			view, err = s.project(ctx, store, res.anchor)
			return err
		})
		if err == nil {
			break
		}
		if errors.Is(err, model.ErrConflict) && attempt < s.maxTxAttempts {
			s.metrics.IncrementTxConflicts()
			s.logger.Warn("identify transaction conflict, retrying", "attempt", attempt)
			continue
		}
		if errors.Is(err, model.ErrConflict) {
			return model.ClusterView{}, fmt.Errorf("identify retries exhausted: %w", model.ErrUnavailable)
		}
		return model.ClusterView{}, err
	}

	if res.created {
		s.metrics.IncrementContactsCreated()
	}
	if res.merged {
		s.metrics.IncrementClustersMerged()
	}

	return view, nil
}

func (s *Identity) resolve(ctx context.Context, store model.ContactStore, email, phone *string) (resolution, error) {
	switch {
	case email != nil && phone != nil:
		return s.resolveBoth(ctx, store, *email, *phone)
	case email != nil:
		existing, found, err := s.lookup(store.FindByEmail)(ctx, *email)
		if err != nil {
			return resolution{}, fmt.Errorf("failed to look up email: %w", err)
		}
		if found {
			return resolution{anchor: existing}, nil
		}
		return s.createPrimary(ctx, store, email, nil)
	case phone != nil:
		existing, found, err := s.lookup(store.FindByPhone)(ctx, *phone)
		if err != nil {
			return resolution{}, fmt.Errorf("failed to look up phone: %w", err)
		}
		if found {
			return resolution{anchor: existing}, nil
		}
		return s.createPrimary(ctx, store, nil, phone)
	default:
		return resolution{}, model.ErrInvalidInput
	}
}

func (s *Identity) resolveBoth(ctx context.Context, store model.ContactStore, email, phone string) (resolution, error) {
	matchE, foundE, err := s.lookup(store.FindByEmail)(ctx, email)
	if err != nil {
		return resolution{}, fmt.Errorf("failed to look up email: %w", err)
	}
	matchP, foundP, err := s.lookup(store.FindByPhone)(ctx, phone)
	if err != nil {
		return resolution{}, fmt.Errorf("failed to look up phone: %w", err)
	}

	switch {
	case !foundE && !foundP:
		return s.createPrimary(ctx, store, &email, &phone)
	case foundE != foundP:
		match := matchE
		if foundP {
			match = matchP
		}
		return s.createSecondary(ctx, store, &email, &phone, match.PrimaryID())
	default:
		return s.linkClusters(ctx, store, matchE, matchP)
	}
}

// linkClusters handles a submission whose email and phone each match
// an existing contact. When both resolve to the same primary the
// cluster already covers the pairing and nothing is written; otherwise
// the two clusters merge under the earlier-created primary.
func (s *Identity) linkClusters(ctx context.Context, store model.ContactStore, matchE, matchP model.Contact) (resolution, error) {
	primaryE, err := s.clusterPrimary(ctx, store, matchE)
	if err != nil {
		return resolution{}, err
	}
	primaryP, err := s.clusterPrimary(ctx, store, matchP)
	if err != nil {
		return resolution{}, err
	}

	if primaryE.ID == primaryP.ID {
		return resolution{anchor: matchE}, nil
	}

	winner, loser := primaryE, primaryP
	if laterPrimary(winner, loser) {
		winner, loser = loser, winner
	}

	if err := store.UpdatePrecedenceAndLink(ctx, loser.ID, model.PrecedenceSecondary, &winner.ID); err != nil {
		return resolution{}, fmt.Errorf("failed to demote primary %d: %w", loser.ID, err)
	}
	if err := store.RepointSecondaries(ctx, loser.ID, winner.ID); err != nil {
		return resolution{}, fmt.Errorf("failed to repoint secondaries of %d: %w", loser.ID, err)
	}

	s.logger.Info("merged identity clusters",
		"surviving_primary_id", winner.ID,
		"demoted_primary_id", loser.ID)

	return resolution{anchor: winner, merged: true}, nil
}

// laterPrimary reports whether a was created after b. Equal timestamps
// fall back to the larger id so merges stay deterministic.
func laterPrimary(a, b model.Contact) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *Identity) createPrimary(ctx context.Context, store model.ContactStore, email, phone *string) (resolution, error) {
	created, err := store.Create(ctx, model.CreateContactParams{
		Email:      email,
		Phone:      phone,
		Precedence: model.PrecedencePrimary,
	})
	if err != nil {
		return resolution{}, fmt.Errorf("failed to create primary contact: %w", err)
	}
	return resolution{anchor: created, created: true}, nil
}

func (s *Identity) createSecondary(ctx context.Context, store model.ContactStore, email, phone *string, primaryID int64) (resolution, error) {
	created, err := store.Create(ctx, model.CreateContactParams{
		Email:      email,
		Phone:      phone,
		Precedence: model.PrecedenceSecondary,
		LinkedID:   &primaryID,
	})
	if err != nil {
		return resolution{}, fmt.Errorf("failed to create secondary contact: %w", err)
	}
	return resolution{anchor: created, created: true}, nil
}

// clusterPrimary returns the primary anchoring the contact's cluster.
// A secondary whose link target is missing means the store lost a
// primary; that is a consistency break, not a retryable miss.
func (s *Identity) clusterPrimary(ctx context.Context, store model.ContactStore, contact model.Contact) (model.Contact, error) {
	if contact.LinkedID == nil {
		return contact, nil
	}
	primary, err := store.GetByID(ctx, *contact.LinkedID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Contact{}, fmt.Errorf("primary %d linked from contact %d is missing: %w", *contact.LinkedID, contact.ID, model.ErrNotFound)
		}
		return model.Contact{}, fmt.Errorf("failed to get cluster primary: %w", err)
	}
	return primary, nil
}

// project gathers the anchor's whole cluster and builds the
// consolidated view. It performs no mutation.
func (s *Identity) project(ctx context.Context, store model.ContactStore, anchor model.Contact) (model.ClusterView, error) {
	primaryID := anchor.PrimaryID()

	cluster, err := store.GetCluster(ctx, primaryID)
	if err != nil {
		return model.ClusterView{}, fmt.Errorf("failed to get cluster of %d: %w", primaryID, err)
	}

	hasPrimary := false
	secondaryIDs := []int64{}
	for _, c := range cluster {
		if c.ID == primaryID {
			hasPrimary = true
			continue
		}
		secondaryIDs = append(secondaryIDs, c.ID)
	}
	if !hasPrimary {
		return model.ClusterView{}, fmt.Errorf("primary %d not present in its own cluster: %w", primaryID, model.ErrNotFound)
	}

	return model.ClusterView{
		PrimaryID:    primaryID,
		Emails:       collectValues(cluster, primaryID, func(c model.Contact) *string { return c.Email }),
		Phones:       collectValues(cluster, primaryID, func(c model.Contact) *string { return c.Phone }),
		SecondaryIDs: secondaryIDs,
	}, nil
}

// collectValues dedups a field across the cluster, first seen wins.
// The primary's own value is pinned first; the rest follow in creation
// order of their owning contact (the cluster is already sorted).
func collectValues(cluster []model.Contact, primaryID int64, value func(model.Contact) *string) []string {
	out := []string{}
	seen := make(map[string]struct{})
	add := func(v *string) {
		if v == nil || *v == "" {
			return
		}
		if _, ok := seen[*v]; ok {
			return
		}
		seen[*v] = struct{}{}
		out = append(out, *v)
	}

	for _, c := range cluster {
		if c.ID == primaryID {
			add(value(c))
		}
	}
	for _, c := range cluster {
		if c.ID != primaryID {
			add(value(c))
		}
	}

	return out
}

// lookup adapts a store finder so a miss is a boolean, not an error.
func (s *Identity) lookup(find func(context.Context, string) (model.Contact, error)) func(context.Context, string) (model.Contact, bool, error) {
	return func(ctx context.Context, key string) (model.Contact, bool, error) {
		contact, err := find(ctx, key)
		if errors.Is(err, model.ErrNotFound) {
			return model.Contact{}, false, nil
		}
		if err != nil {
			return model.Contact{}, false, err
		}
		return contact, true, nil
	}
}
