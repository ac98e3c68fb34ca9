package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-dashboard/internal/domain"
)

func seeded(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s, clk := newTestStore()
	page := domain.RequestPage{
		Items: []domain.RentalRequest{
			request("r1", domain.RequestStatusPending, clk.t),
			request("r2", domain.RequestStatusApproved, clk.t),
		},
		Total: 2,
	}
	require.True(t, s.SetRequests(page, "", clk.t))
	require.True(t, s.SetFleet([]domain.FleetItem{
		{ID: "eq-r1", Name: "Excavator", Status: domain.FleetStatusAvailable, UpdatedAt: clk.t},
		{ID: "eq-r2", Name: "Lift", Status: domain.FleetStatusInUse, UpdatedAt: clk.t},
	}, clk.t))
	return s, clk
}

func TestMergeRequest_Delete(t *testing.T) {
	s, clk := seeded(t)

	ok := s.MergeRequest(ChangeDelete, domain.RentalRequest{ID: "r1"}, clk.t)
	require.True(t, ok)

	snap := s.Snapshot()
	_, found := snap.Request("r1")
	assert.False(t, found)
	assert.Equal(t, 1, snap.Requests.Total)
}

func TestMergeRequest_InsertPrepends(t *testing.T) {
	s, clk := seeded(t)
	ok := s.MergeRequest(ChangeInsert, request("r3", domain.RequestStatusPending, clk.t), clk.t)
	require.True(t, ok)

	snap := s.Snapshot()
	assert.Equal(t, "r3", snap.Requests.Items[0].ID)
	assert.Equal(t, 3, snap.Requests.Total)
}

func TestMergeRequest_UpdateReplacesById(t *testing.T) {
	s, clk := seeded(t)
	clk.Advance(time.Second)
	ok := s.MergeRequest(ChangeUpdate, request("r1", domain.RequestStatusApproved, clk.t), clk.t)
	require.True(t, ok)

	got, _ := s.Snapshot().Request("r1")
	assert.Equal(t, domain.RequestStatusApproved, got.Status)
	assert.Len(t, s.Snapshot().Requests.Items, 2)
}

func TestMergeRequest_UnknownUpdateNeedsRefetch(t *testing.T) {
	s, clk := seeded(t)
	ok := s.MergeRequest(ChangeUpdate, request("r9", domain.RequestStatusApproved, clk.t), clk.t)
	assert.False(t, ok)

	empty, _ := newTestStore()
	assert.False(t, empty.MergeRequest(ChangeInsert, request("r1", domain.RequestStatusPending, clk.t), clk.t))
}

func TestMergeRequest_LastWriteWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	older := request("r1", domain.RequestStatusApproved, base.Add(1*time.Second))
	newer := request("r1", domain.RequestStatusCompleted, base.Add(2*time.Second))

	orders := [][]domain.RentalRequest{{older, newer}, {newer, older}, {newer, newer, older}}
	for _, order := range orders {
		s, clk := seeded(t)
		for _, rec := range order {
			s.MergeRequest(ChangeUpdate, rec, clk.t)
		}
		got, _ := s.Snapshot().Request("r1")
		assert.Equal(t, domain.RequestStatusCompleted, got.Status)
	}
}

func TestMergeRequest_DeleteBuriesOlderWrites(t *testing.T) {
	s, clk := seeded(t)
	deletedAt := clk.t.Add(5 * time.Second)
	s.MergeRequest(ChangeDelete, domain.RentalRequest{ID: "r1"}, deletedAt)

	ok := s.MergeRequest(ChangeInsert, request("r1", domain.RequestStatusPending, clk.t.Add(time.Second)), clk.t)
	assert.True(t, ok)
	_, found := s.Snapshot().Request("r1")
	assert.False(t, found, "a write older than the delete must not resurrect the record")
}

func TestMergeRequest_RespectsFilters(t *testing.T) {
	s, clk := newTestStore()
	s.SetFilters(domain.RequestFilters{Status: domain.RequestStatusPending})
	s.SetRequests(domain.RequestPage{Items: []domain.RentalRequest{request("r1", domain.RequestStatusPending, clk.t)}, Total: 1},
		s.ActiveFingerprint(domain.CollectionRequests), clk.t)

	s.MergeRequest(ChangeInsert, request("r2", domain.RequestStatusApproved, clk.t), clk.t)
	assert.Len(t, s.Snapshot().Requests.Items, 1, "insert outside the filter is not shown")

	clk.Advance(time.Second)
	s.MergeRequest(ChangeUpdate, request("r1", domain.RequestStatusApproved, clk.t), clk.t)
	assert.Empty(t, s.Snapshot().Requests.Items, "update moving a record out of the filter removes it")
}

func TestMergeFleet(t *testing.T) {
	s, clk := seeded(t)
	clk.Advance(time.Second)

	s.MergeFleet(ChangeUpdate, domain.FleetItem{ID: "eq-r1", Name: "Excavator", Status: domain.FleetStatusMaintenance, UpdatedAt: clk.t}, clk.t)
	item, _ := s.Snapshot().FleetItem("eq-r1")
	assert.Equal(t, domain.FleetStatusMaintenance, item.Status)

	s.MergeFleet(ChangeDelete, domain.FleetItem{ID: "eq-r2"}, clk.t)
	_, found := s.Snapshot().FleetItem("eq-r2")
	assert.False(t, found)

	s.MergeFleet(ChangeInsert, domain.FleetItem{ID: "eq-new", Status: domain.FleetStatusAvailable, UpdatedAt: clk.t}, clk.t)
	assert.Equal(t, "eq-new", s.Snapshot().Fleet[0].ID)
}

func TestOverlay_AppliedAndReverted(t *testing.T) {
	s, _ := seeded(t)
	before := s.Snapshot()

	r1, _ := before.Request("r1")
	r1.Status = domain.RequestStatusApproved
	eq, _ := before.FleetItem("eq-r1")
	eq.Status = domain.FleetStatusInUse

	s.ApplyOverlay("a1", Patch{
		Requests: map[string]*domain.RentalRequest{"r1": &r1},
		Fleet:    map[string]*domain.FleetItem{"eq-r1": &eq},
	})

	snap := s.Snapshot()
	gotReq, _ := snap.Request("r1")
	gotEq, _ := snap.FleetItem("eq-r1")
	assert.Equal(t, domain.RequestStatusApproved, gotReq.Status)
	assert.Equal(t, domain.FleetStatusInUse, gotEq.Status)
	assert.Equal(t, 1, snap.PendingOverlays)

	authoritative, _ := s.Requests()
	assert.Equal(t, domain.RequestStatusPending, authoritative.Data.Items[0].Status, "overlays never touch authoritative entries")

	s.DiscardOverlay("a1")
	assert.Equal(t, before.Requests, s.Snapshot().Requests)
	assert.Equal(t, before.Fleet, s.Snapshot().Fleet)
}

func TestOverlay_ReapplyReplacesInsteadOfStacking(t *testing.T) {
	s, _ := seeded(t)
	s.ApplyOverlay("a1", Patch{Requests: map[string]*domain.RentalRequest{"r1": nil}})
	s.ApplyOverlay("a1", Patch{Requests: map[string]*domain.RentalRequest{"r1": nil}})

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.PendingOverlays)
	assert.Equal(t, 1, snap.Requests.Total)
}

func TestOverlay_SupersededPerCollection(t *testing.T) {
	s, clk := seeded(t)
	approved := request("r1", domain.RequestStatusApproved, clk.t)
	inUse := domain.FleetItem{ID: "eq-r1", Status: domain.FleetStatusInUse}
	s.ApplyOverlay("a1", Patch{
		Requests: map[string]*domain.RentalRequest{"r1": &approved},
		Fleet:    map[string]*domain.FleetItem{"eq-r1": &inUse},
	})

	t.Run("a read that started before confirmation keeps the overlay", func(t *testing.T) {
		started := clk.t
		clk.Advance(time.Second)
		s.ConfirmOverlay("a1")
		s.SetRequests(domain.RequestPage{Items: []domain.RentalRequest{request("r1", domain.RequestStatusPending, clk.t)}, Total: 1}, "", started)
		got, _ := s.Snapshot().Request("r1")
		assert.Equal(t, domain.RequestStatusApproved, got.Status)
	})

	t.Run("a later read replaces the request part only", func(t *testing.T) {
		clk.Advance(time.Second)
		s.SetRequests(domain.RequestPage{Items: []domain.RentalRequest{approved}, Total: 1}, "", clk.t)
		assert.Equal(t, 1, s.PendingOverlays())
		eq, _ := s.Snapshot().FleetItem("eq-r1")
		assert.Equal(t, domain.FleetStatusInUse, eq.Status)
	})

	t.Run("fleet read drops the rest", func(t *testing.T) {
		s.SetFleet([]domain.FleetItem{inUse}, clk.t)
		assert.Equal(t, 0, s.PendingOverlays())
	})
}

func TestOverlay_UnconfirmedSurvivesAuthoritativeWrites(t *testing.T) {
	s, clk := seeded(t)
	s.ApplyOverlay("a1", Patch{Requests: map[string]*domain.RentalRequest{"r2": nil}})
	clk.Advance(time.Second)
	s.SetRequests(domain.RequestPage{Items: []domain.RentalRequest{request("r2", domain.RequestStatusApproved, clk.t)}, Total: 1}, "", clk.t)

	assert.Equal(t, 1, s.PendingOverlays())
	assert.Empty(t, s.Snapshot().Requests.Items)
}
