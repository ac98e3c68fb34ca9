package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
)

func snapshotWith(status domain.RequestStatus) cache.Snapshot {
	return cache.Snapshot{
		Requests: domain.RequestPage{Total: 1, Items: []domain.RentalRequest{
			{ID: "r1", EquipmentID: "e1", Status: status},
		}},
		Fleet: []domain.FleetItem{{ID: "e1", Status: domain.FleetStatusReserved}},
	}
}

func TestTransitions_CoverEveryAction(t *testing.T) {
	actions := []domain.ActionType{
		domain.ActionApprove, domain.ActionDecline, domain.ActionComplete, domain.ActionReopen,
		domain.ActionCancel, domain.ActionDelete, domain.ActionEdit, domain.ActionBulkApprove,
		domain.ActionBulkDecline, domain.ActionBulkDelete, domain.ActionFleetStatus, domain.ActionFleetDelete,
	}
	for _, a := range actions {
		tr, err := Lookup(a)
		require.NoError(t, err, a)
		assert.NotEmpty(t, tr.Invalidates, a)
	}
	assert.Len(t, Transitions, len(actions))
}

func TestTransitions_FollowLifecycleRules(t *testing.T) {
	targets := map[domain.RequestStatus]bool{}
	for action, tr := range Transitions {
		if tr.Target == "" {
			continue
		}
		rule, ok := domain.StatusRules[tr.Target]
		require.True(t, ok, action)
		assert.Equal(t, rule.From, tr.From, action)
		assert.Equal(t, rule.Fleet, tr.Fleet, action)
		targets[tr.Target] = true
	}
	assert.Len(t, targets, len(domain.StatusRules), "every lifecycle move has an action")
}

func TestPatchFor_StatusGuards(t *testing.T) {
	tests := []struct {
		action    domain.ActionType
		from      domain.RequestStatus
		wantErr   bool
		wantReq   domain.RequestStatus
		wantFleet domain.FleetStatus
	}{
		{domain.ActionApprove, domain.RequestStatusPending, false, domain.RequestStatusApproved, domain.FleetStatusInUse},
		{domain.ActionApprove, domain.RequestStatusDeclined, true, "", ""},
		{domain.ActionDecline, domain.RequestStatusPending, false, domain.RequestStatusDeclined, domain.FleetStatusReserved},
		{domain.ActionComplete, domain.RequestStatusApproved, false, domain.RequestStatusCompleted, domain.FleetStatusAvailable},
		{domain.ActionComplete, domain.RequestStatusPending, true, "", ""},
		{domain.ActionReopen, domain.RequestStatusCompleted, false, domain.RequestStatusPending, domain.FleetStatusReserved},
		{domain.ActionReopen, domain.RequestStatusApproved, true, "", ""},
		{domain.ActionCancel, domain.RequestStatusApproved, false, domain.RequestStatusCancelled, domain.FleetStatusAvailable},
		{domain.ActionCancel, domain.RequestStatusCompleted, true, "", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.action)+"_from_"+string(tt.from), func(t *testing.T) {
			patch, err := PatchFor(tt.action, []string{"r1"}, Args{})
			require.NoError(t, err)
			snap := snapshotWith(tt.from)

			p, err := patch(snap)
			if tt.wantErr {
				var verr *domain.ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, p.Requests["r1"])
			assert.Equal(t, tt.wantReq, p.Requests["r1"].Status)
			if item, ok := p.Fleet["e1"]; ok {
				assert.Equal(t, tt.wantFleet, item.Status)
			} else {
				assert.Equal(t, domain.FleetStatusReserved, tt.wantFleet, "fleet untouched")
			}
			assert.Equal(t, tt.from, snap.Requests.Items[0].Status, "the snapshot itself is not modified")
		})
	}
}

func TestPatchFor_InputValidation(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		action domain.ActionType
		ids    []string
		args   Args
	}{
		{"no targets", domain.ActionApprove, nil, Args{}},
		{"several targets for a single action", domain.ActionDecline, []string{"r1", "r2"}, Args{}},
		{"edit without payload", domain.ActionEdit, []string{"r1"}, Args{}},
		{"end before start", domain.ActionEdit, []string{"r1"}, Args{Edit: &domain.RequestEdit{
			RequesterID: "u1", EquipmentID: "e1", StartDate: start, EndDate: start.Add(-time.Hour),
		}}},
		{"unknown fleet status", domain.ActionFleetStatus, []string{"e1"}, Args{FleetStatus: "Lost"}},
		{"unknown action", "archive", []string{"r1"}, Args{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PatchFor(tt.action, tt.ids, tt.args)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestPatchFor_TargetsOffThePageAreSkipped(t *testing.T) {
	patch, err := PatchFor(domain.ActionBulkDelete, []string{"r1", "r9"}, Args{})
	require.NoError(t, err)
	p, err := patch(snapshotWith(domain.RequestStatusPending))
	require.NoError(t, err)

	v, ok := p.Requests["r1"]
	assert.True(t, ok)
	assert.Nil(t, v)
	_, ok = p.Requests["r9"]
	assert.False(t, ok)
}

func TestPatchFor_FleetActions(t *testing.T) {
	snap := snapshotWith(domain.RequestStatusPending)

	patch, err := PatchFor(domain.ActionFleetStatus, []string{"e1"}, Args{FleetStatus: domain.FleetStatusMaintenance})
	require.NoError(t, err)
	p, err := patch(snap)
	require.NoError(t, err)
	assert.Equal(t, domain.FleetStatusMaintenance, p.Fleet["e1"].Status)
	assert.Empty(t, p.Requests)

	patch, err = PatchFor(domain.ActionFleetDelete, []string{"e1"}, Args{})
	require.NoError(t, err)
	p, err = patch(snap)
	require.NoError(t, err)
	v, ok := p.Fleet["e1"]
	assert.True(t, ok)
	assert.Nil(t, v)
}
