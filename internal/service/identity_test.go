package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-io/identity-server/internal/model"
	"github.com/crosslink-io/identity-server/internal/repository/memory"
	"github.com/crosslink-io/identity-server/internal/testutil"
)

func strPtr(s string) *string { return &s }

// newTestStore returns a memory store whose clock advances one second
// per call, so creation order is reflected in created_at.
func newTestStore() *memory.ContactStore {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	return memory.NewContactStoreWithClock(func() time.Time {
		calls++
		return t0.Add(time.Duration(calls) * time.Second)
	})
}

func newTestIdentity(store model.ContactStore) *Identity {
	return NewIdentity(store, testutil.MakeNoopLogger(), nil, 2)
}

// checkInvariants asserts the cluster invariants over the whole store:
// precedence matches link presence, every link target is a live
// primary, and no secondary chains exist.
func checkInvariants(t *testing.T, store *memory.ContactStore) {
	t.Helper()
	contacts := store.All()
	byID := make(map[int64]model.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}

	for _, c := range contacts {
		if c.Precedence == model.PrecedencePrimary {
			assert.Nil(t, c.LinkedID, "primary %d must not be linked", c.ID)
			continue
		}
		require.NotNil(t, c.LinkedID, "secondary %d must be linked", c.ID)
		target, ok := byID[*c.LinkedID]
		require.True(t, ok, "secondary %d links to missing contact %d", c.ID, *c.LinkedID)
		assert.Nil(t, target.DeletedAt, "secondary %d links to deleted contact %d", c.ID, target.ID)
		assert.Equal(t, model.PrecedencePrimary, target.Precedence,
			"secondary %d links to non-primary %d (chained cluster)", c.ID, target.ID)
	}
}

func TestIdentity_Identify_EmailOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	view, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)

	assert.Equal(t, model.ClusterView{
		PrimaryID:    1,
		Emails:       []string{"a@x.com"},
		Phones:       []string{},
		SecondaryIDs: []int64{},
	}, view)

	// A repeat of a known email alone is a pure lookup.
	again, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, view, again)
	assert.Len(t, store.All(), 1)
	checkInvariants(t, store)
}

func TestIdentity_Identify_PhoneOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	view, err := svc.Identify(ctx, nil, strPtr("555"))
	require.NoError(t, err)

	assert.Equal(t, model.ClusterView{
		PrimaryID:    1,
		Emails:       []string{},
		Phones:       []string{"555"},
		SecondaryIDs: []int64{},
	}, view)

	again, err := svc.Identify(ctx, nil, strPtr("555"))
	require.NoError(t, err)
	assert.Equal(t, view, again)
	assert.Len(t, store.All(), 1)
}

func TestIdentity_Identify_NeitherSupplied(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	_, err := svc.Identify(ctx, nil, nil)
	require.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Empty(t, store.All())
}

func TestIdentity_Identify_BothNew(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	view, err := svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.NoError(t, err)

	assert.Equal(t, model.ClusterView{
		PrimaryID:    1,
		Emails:       []string{"a@x.com"},
		Phones:       []string{"555"},
		SecondaryIDs: []int64{},
	}, view)
	checkInvariants(t, store)
}

func TestIdentity_Identify_AttachSecondaryToEmailMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)

	view, err := svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.NoError(t, err)

	assert.Equal(t, model.ClusterView{
		PrimaryID:    1,
		Emails:       []string{"a@x.com"},
		Phones:       []string{"555"},
		SecondaryIDs: []int64{2},
	}, view)
	checkInvariants(t, store)
}

func TestIdentity_Identify_AttachSecondaryToPhoneMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	_, err := svc.Identify(ctx, nil, strPtr("555"))
	require.NoError(t, err)

	view, err := svc.Identify(ctx, strPtr("b@x.com"), strPtr("555"))
	require.NoError(t, err)

	assert.Equal(t, model.ClusterView{
		PrimaryID:    1,
		Emails:       []string{"b@x.com"},
		Phones:       []string{"555"},
		SecondaryIDs: []int64{2},
	}, view)
	checkInvariants(t, store)
}

func TestIdentity_Identify_SecondaryAttachLinksToClusterPrimary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	// Contact 1 is primary, contact 2 a secondary carrying the phone.
	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)
	_, err = svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.NoError(t, err)

	// Matching the secondary's phone must link the new contact to the
	// cluster primary, never to the secondary itself.
	view, err := svc.Identify(ctx, strPtr("c@x.com"), strPtr("555"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), view.PrimaryID)
	assert.Equal(t, []int64{2, 3}, view.SecondaryIDs)
	checkInvariants(t, store)
}

func TestIdentity_Identify_MergeClusters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	// Two independent primaries, A created before B.
	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)
	_, err = svc.Identify(ctx, nil, strPtr("555"))
	require.NoError(t, err)

	// Bridging submission merges both clusters under A.
	view, err := svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.NoError(t, err)

	assert.Equal(t, model.ClusterView{
		PrimaryID:    1,
		Emails:       []string{"a@x.com"},
		Phones:       []string{"555"},
		SecondaryIDs: []int64{2},
	}, view)
	checkInvariants(t, store)

	// No contact is created for the bridging request itself.
	assert.Len(t, store.All(), 2)
}

func TestIdentity_Identify_MergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)
	_, err = svc.Identify(ctx, nil, strPtr("555"))
	require.NoError(t, err)

	first, err := svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.NoError(t, err)

	// Exact repeat takes the already-linked path and writes nothing.
	second, err := svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.All(), 2)
	checkInvariants(t, store)
}

func TestIdentity_Identify_MergeRepointsSecondaries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	// Cluster A: primary 1 + secondary 2.
	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)
	_, err = svc.Identify(ctx, strPtr("a@x.com"), strPtr("111"))
	require.NoError(t, err)

	// Cluster B: primary 3 + secondary 4, created later.
	_, err = svc.Identify(ctx, strPtr("b@y.com"), nil)
	require.NoError(t, err)
	_, err = svc.Identify(ctx, strPtr("b@y.com"), strPtr("222"))
	require.NoError(t, err)

	// Bridge the clusters through A's phone and B's email.
	view, err := svc.Identify(ctx, strPtr("b@y.com"), strPtr("111"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), view.PrimaryID)
	assert.ElementsMatch(t, []int64{2, 3, 4}, view.SecondaryIDs)
	assert.Equal(t, []string{"a@x.com", "b@y.com"}, view.Emails)
	assert.Equal(t, []string{"111", "222"}, view.Phones)

	// Former secondaries of B now point directly at 1, depth one.
	checkInvariants(t, store)
	for _, c := range store.All() {
		if c.ID != 1 {
			require.NotNil(t, c.LinkedID)
			assert.Equal(t, int64(1), *c.LinkedID)
		}
	}
}

func TestIdentity_Identify_MergeTieBreaksOnSmallerID(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewContactStoreWithClock(func() time.Time { return fixed })
	svc := newTestIdentity(store)

	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)
	_, err = svc.Identify(ctx, nil, strPtr("555"))
	require.NoError(t, err)

	view, err := svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.NoError(t, err)

	// Identical created_at: the smaller id survives.
	assert.Equal(t, int64(1), view.PrimaryID)
	assert.Equal(t, []int64{2}, view.SecondaryIDs)
}

func TestIdentity_Identify_PrimaryValuePinnedFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	_, err := svc.Identify(ctx, strPtr("primary@x.com"), strPtr("100"))
	require.NoError(t, err)
	_, err = svc.Identify(ctx, strPtr("second@x.com"), strPtr("100"))
	require.NoError(t, err)
	_, err = svc.Identify(ctx, strPtr("third@x.com"), strPtr("100"))
	require.NoError(t, err)

	view, err := svc.Identify(ctx, strPtr("primary@x.com"), strPtr("100"))
	require.NoError(t, err)

	assert.Equal(t, []string{"primary@x.com", "second@x.com", "third@x.com"}, view.Emails)
	assert.Equal(t, []string{"100"}, view.Phones)
}

func TestIdentity_Identify_ConcurrentSameSubmission(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	const workers = 8
	var wg sync.WaitGroup
	views := make([]model.ClusterView, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = svc.Identify(ctx, strPtr("race@x.com"), strPtr("777"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, views[0].PrimaryID, views[i].PrimaryID)
	}

	// Exactly one primary exists for the identity.
	primaries := 0
	for _, c := range store.All() {
		if c.Precedence == model.PrecedencePrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
	assert.Len(t, store.All(), 1)
	checkInvariants(t, store)
}

func TestIdentity_Identify_LongMergeSequenceStaysFlat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	svc := newTestIdentity(store)

	// Build several single-field clusters, then chain-merge them.
	emails := []string{"a@x.com", "b@x.com", "c@x.com"}
	phones := []string{"1", "2", "3"}
	for _, e := range emails {
		_, err := svc.Identify(ctx, strPtr(e), nil)
		require.NoError(t, err)
	}
	for _, p := range phones {
		_, err := svc.Identify(ctx, nil, strPtr(p))
		require.NoError(t, err)
	}

	for i := range emails {
		_, err := svc.Identify(ctx, strPtr(emails[i]), strPtr(phones[i]))
		require.NoError(t, err)
	}
	// Cross-link everything into one cluster.
	_, err := svc.Identify(ctx, strPtr(emails[0]), strPtr(phones[1]))
	require.NoError(t, err)
	view, err := svc.Identify(ctx, strPtr(emails[2]), strPtr(phones[0]))
	require.NoError(t, err)

	assert.Equal(t, int64(1), view.PrimaryID)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com", "c@x.com"}, view.Emails)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, view.Phones)
	checkInvariants(t, store)
}

// MockContactStore mocks the ContactStore interface.
type MockContactStore struct {
	mock.Mock
}

func (m *MockContactStore) FindByEmail(ctx context.Context, email string) (model.Contact, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(model.Contact), args.Error(1)
}

func (m *MockContactStore) FindByPhone(ctx context.Context, phone string) (model.Contact, error) {
	args := m.Called(ctx, phone)
	return args.Get(0).(model.Contact), args.Error(1)
}

func (m *MockContactStore) GetByID(ctx context.Context, id int64) (model.Contact, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Contact), args.Error(1)
}

func (m *MockContactStore) GetCluster(ctx context.Context, primaryID int64) ([]model.Contact, error) {
	args := m.Called(ctx, primaryID)
	return args.Get(0).([]model.Contact), args.Error(1)
}

func (m *MockContactStore) Create(ctx context.Context, params model.CreateContactParams) (model.Contact, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(model.Contact), args.Error(1)
}

func (m *MockContactStore) UpdatePrecedenceAndLink(ctx context.Context, id int64, precedence model.Precedence, linkedID *int64) error {
	args := m.Called(ctx, id, precedence, linkedID)
	return args.Error(0)
}

func (m *MockContactStore) RepointSecondaries(ctx context.Context, oldPrimaryID, newPrimaryID int64) error {
	args := m.Called(ctx, oldPrimaryID, newPrimaryID)
	return args.Error(0)
}

func (m *MockContactStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store model.ContactStore) error) error {
	args := m.Called(ctx, fn)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx, m)
}

func TestIdentity_Identify_RetriesOnceOnConflict(t *testing.T) {
	ctx := context.Background()
	store := &MockContactStore{}

	store.On("InTransaction", mock.Anything, mock.Anything).Return(model.ErrConflict).Once()
	store.On("InTransaction", mock.Anything, mock.Anything).Return(nil).Once()
	store.On("FindByEmail", mock.Anything, "a@x.com").Return(model.Contact{}, model.ErrNotFound)
	created := model.Contact{ID: 1, Email: strPtr("a@x.com"), Precedence: model.PrecedencePrimary}
	store.On("Create", mock.Anything, mock.Anything).Return(created, nil)
	store.On("GetCluster", mock.Anything, int64(1)).Return([]model.Contact{created}, nil)

	svc := newTestIdentity(store)
	view, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.PrimaryID)
	store.AssertExpectations(t)
}

func TestIdentity_Identify_ConflictRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := &MockContactStore{}
	store.On("InTransaction", mock.Anything, mock.Anything).Return(model.ErrConflict)

	svc := newTestIdentity(store)
	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.ErrorIs(t, err, model.ErrUnavailable)
	store.AssertNumberOfCalls(t, "InTransaction", 2)
}

func TestIdentity_Identify_StoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	store := &MockContactStore{}
	storeErr := errors.New("connection reset")

	store.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	store.On("FindByEmail", mock.Anything, "a@x.com").Return(model.Contact{}, storeErr)

	svc := newTestIdentity(store)
	_, err := svc.Identify(ctx, strPtr("a@x.com"), nil)
	require.ErrorIs(t, err, storeErr)
}

func TestIdentity_Identify_MissingLinkedPrimaryIsConsistencyError(t *testing.T) {
	ctx := context.Background()
	store := &MockContactStore{}
	missing := int64(99)
	secondaryE := model.Contact{ID: 2, Email: strPtr("a@x.com"), LinkedID: &missing, Precedence: model.PrecedenceSecondary}
	primaryP := model.Contact{ID: 3, Phone: strPtr("555"), Precedence: model.PrecedencePrimary}

	store.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	store.On("FindByEmail", mock.Anything, "a@x.com").Return(secondaryE, nil)
	store.On("FindByPhone", mock.Anything, "555").Return(primaryP, nil)
	store.On("GetByID", mock.Anything, missing).Return(model.Contact{}, model.ErrNotFound)

	svc := newTestIdentity(store)
	_, err := svc.Identify(ctx, strPtr("a@x.com"), strPtr("555"))
	require.ErrorIs(t, err, model.ErrNotFound)
}
