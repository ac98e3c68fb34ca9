package domain

// StatusRule says how a rental request reaches one target status: the
// statuses it may come from and the status its fleet item takes alongside.
type StatusRule struct {
	From  []RequestStatus
	Fleet FleetStatus // empty leaves the fleet item untouched
}

// StatusRules is the one table of request lifecycle moves. The optimistic
// patches and the store's guarded updates both read it.
var StatusRules = map[RequestStatus]StatusRule{
	RequestStatusApproved: {
		From:  []RequestStatus{RequestStatusPending},
		Fleet: FleetStatusInUse,
	},
	RequestStatusDeclined: {
		From: []RequestStatus{RequestStatusPending},
	},
	RequestStatusCompleted: {
		From:  []RequestStatus{RequestStatusApproved},
		Fleet: FleetStatusAvailable,
	},
	RequestStatusPending: {
		From: []RequestStatus{RequestStatusDeclined, RequestStatusCancelled, RequestStatusCompleted},
	},
	RequestStatusCancelled: {
		From:  []RequestStatus{RequestStatusPending, RequestStatusApproved},
		Fleet: FleetStatusAvailable,
	},
}
