package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosslink-io/identity-server/internal/model"
)

var _ model.ContactStore = (*ContactStore)(nil)

// ContactStore is an in-memory model.ContactStore. It mirrors the
// postgres repository's semantics: soft-deleted rows are invisible,
// Find lookups return the lowest-id match, and InTransaction is a
// serialization point with rollback on error.
type ContactStore struct {
	mu       sync.Mutex
	contacts map[int64]model.Contact
	nextID   int64
	now      func() time.Time
}

// NewContactStore creates an empty store using the wall clock.
func NewContactStore() *ContactStore {
	return NewContactStoreWithClock(time.Now)
}

// NewContactStoreWithClock creates an empty store with an injected
// clock, letting tests control created_at ordering.
func NewContactStoreWithClock(now func() time.Time) *ContactStore {
	return &ContactStore{
		contacts: make(map[int64]model.Contact),
		nextID:   1,
		now:      now,
	}
}

func (s *ContactStore) FindByEmail(ctx context.Context, email string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(func(c model.Contact) bool {
		return c.Email != nil && *c.Email == email
	})
}

func (s *ContactStore) FindByPhone(ctx context.Context, phone string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(func(c model.Contact) bool {
		return c.Phone != nil && *c.Phone == phone
	})
}

func (s *ContactStore) GetByID(ctx context.Context, id int64) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getByIDLocked(id)
}

func (s *ContactStore) GetCluster(ctx context.Context, primaryID int64) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getClusterLocked(primaryID)
}

func (s *ContactStore) Create(ctx context.Context, params model.CreateContactParams) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(params)
}

func (s *ContactStore) UpdatePrecedenceAndLink(ctx context.Context, id int64, precedence model.Precedence, linkedID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePrecedenceAndLinkLocked(id, precedence, linkedID)
}

func (s *ContactStore) RepointSecondaries(ctx context.Context, oldPrimaryID, newPrimaryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repointSecondariesLocked(oldPrimaryID, newPrimaryID)
}

// InTransaction holds the store lock for the duration of fn, which
// makes concurrent identify calls serialize exactly as the postgres
// transaction does. On error every mutation made by fn is rolled back.
func (s *ContactStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store model.ContactStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[int64]model.Contact, len(s.contacts))
	for id, c := range s.contacts {
		snapshot[id] = c
	}
	savedNextID := s.nextID

	if err := fn(ctx, &txStore{store: s}); err != nil {
		s.contacts = snapshot
		s.nextID = savedNextID
		return err
	}

	return nil
}

// All returns every contact, including soft-deleted ones, ordered by
// id. Intended for assertions in tests.
func (s *ContactStore) All() []model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *ContactStore) findLocked(match func(model.Contact) bool) (model.Contact, error) {
	found := model.Contact{}
	ok := false
	for _, c := range s.contacts {
		if c.DeletedAt != nil || !match(c) {
			continue
		}
		if !ok || c.ID < found.ID {
			found = c
			ok = true
		}
	}
	if !ok {
		return model.Contact{}, model.ErrNotFound
	}
	return found, nil
}

func (s *ContactStore) getByIDLocked(id int64) (model.Contact, error) {
	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return model.Contact{}, model.ErrNotFound
	}
	return c, nil
}

func (s *ContactStore) getClusterLocked(primaryID int64) ([]model.Contact, error) {
	var cluster []model.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID) {
			cluster = append(cluster, c)
		}
	}
	sort.Slice(cluster, func(i, j int) bool {
		if !cluster[i].CreatedAt.Equal(cluster[j].CreatedAt) {
			return cluster[i].CreatedAt.Before(cluster[j].CreatedAt)
		}
		return cluster[i].ID < cluster[j].ID
	})
	return cluster, nil
}

func (s *ContactStore) createLocked(params model.CreateContactParams) (model.Contact, error) {
	now := s.now()
	contact := model.Contact{
		ID:         s.nextID,
		Email:      params.Email,
		Phone:      params.Phone,
		LinkedID:   params.LinkedID,
		Precedence: params.Precedence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.nextID++
	s.contacts[contact.ID] = contact
	return contact, nil
}

func (s *ContactStore) updatePrecedenceAndLinkLocked(id int64, precedence model.Precedence, linkedID *int64) error {
	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return model.ErrNotFound
	}
	c.Precedence = precedence
	c.LinkedID = linkedID
	c.UpdatedAt = s.now()
	s.contacts[id] = c
	return nil
}

func (s *ContactStore) repointSecondariesLocked(oldPrimaryID, newPrimaryID int64) error {
	for id, c := range s.contacts {
		if c.DeletedAt != nil || c.LinkedID == nil || *c.LinkedID != oldPrimaryID {
			continue
		}
		linked := newPrimaryID
		c.LinkedID = &linked
		c.UpdatedAt = s.now()
		s.contacts[id] = c
	}
	return nil
}

// txStore exposes the store's operations without re-locking; it only
// exists inside an InTransaction call, where the lock is already held.
type txStore struct {
	store *ContactStore
}

var _ model.ContactStore = (*txStore)(nil)

func (t *txStore) FindByEmail(ctx context.Context, email string) (model.Contact, error) {
	return t.store.findLocked(func(c model.Contact) bool {
		return c.Email != nil && *c.Email == email
	})
}

func (t *txStore) FindByPhone(ctx context.Context, phone string) (model.Contact, error) {
	return t.store.findLocked(func(c model.Contact) bool {
		return c.Phone != nil && *c.Phone == phone
	})
}

func (t *txStore) GetByID(ctx context.Context, id int64) (model.Contact, error) {
	return t.store.getByIDLocked(id)
}

func (t *txStore) GetCluster(ctx context.Context, primaryID int64) ([]model.Contact, error) {
	return t.store.getClusterLocked(primaryID)
}

func (t *txStore) Create(ctx context.Context, params model.CreateContactParams) (model.Contact, error) {
	return t.store.createLocked(params)
}

func (t *txStore) UpdatePrecedenceAndLink(ctx context.Context, id int64, precedence model.Precedence, linkedID *int64) error {
	return t.store.updatePrecedenceAndLinkLocked(id, precedence, linkedID)
}

func (t *txStore) RepointSecondaries(ctx context.Context, oldPrimaryID, newPrimaryID int64) error {
	return t.store.repointSecondariesLocked(oldPrimaryID, newPrimaryID)
}

func (t *txStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store model.ContactStore) error) error {
	return fn(ctx, t)
}
