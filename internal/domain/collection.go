package domain

// Collection names one of the cached entity collections.
type Collection string

const (
	CollectionRequests Collection = "requests"
	CollectionFleet    Collection = "fleet"
	CollectionStats    Collection = "stats"
)

// AllCollections lists every cached collection in refresh order.
var AllCollections = []Collection{CollectionRequests, CollectionFleet, CollectionStats}

type ActionType string

const (
	ActionApprove     ActionType = "approve"
	ActionDecline     ActionType = "decline"
	ActionComplete    ActionType = "complete"
	ActionReopen      ActionType = "reopen"
	ActionCancel      ActionType = "cancel"
	ActionDelete      ActionType = "delete"
	ActionEdit        ActionType = "edit"
	ActionBulkApprove ActionType = "bulk_approve"
	ActionBulkDecline ActionType = "bulk_decline"
	ActionBulkDelete  ActionType = "bulk_delete"
	ActionFleetStatus ActionType = "fleet_status"
	ActionFleetDelete ActionType = "fleet_delete"
)

// IsBulk reports whether the action targets several requests at once.
func (a ActionType) IsBulk() bool {
	return a == ActionBulkApprove || a == ActionBulkDecline || a == ActionBulkDelete
}
