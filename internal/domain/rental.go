package domain

import (
	"strings"
	"time"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "Pending"
	RequestStatusApproved  RequestStatus = "Approved"
	RequestStatusDeclined  RequestStatus = "Declined"
	RequestStatusCompleted RequestStatus = "Completed"
	RequestStatusCancelled RequestStatus = "Cancelled"
)

var RequestStatuses = []RequestStatus{
	RequestStatusPending, RequestStatusApproved, RequestStatusDeclined,
	RequestStatusCompleted, RequestStatusCancelled,
}

// Valid reports whether s is one of the known request statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusDeclined,
		RequestStatusCompleted, RequestStatusCancelled:
		return true
	}
	return false
}

type RentalRequest struct {
	ID            string        `json:"id"`
	RequesterID   string        `json:"requester_id"`
	RequesterName string        `json:"requester_name"`
	EquipmentID   string        `json:"equipment_id"`
	StartDate     time.Time     `json:"start_date"`
	EndDate       time.Time     `json:"end_date"`
	Status        RequestStatus `json:"status"`
	Notes         string        `json:"notes"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RequestPage is one page of rental requests plus the total number of rows
// matching the filters the page was read under.
type RequestPage struct {
	Items []RentalRequest `json:"items"`
	Total int             `json:"total"`
}

// RequestEdit carries the editable fields of a rental request.
type RequestEdit struct {
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name"`
	EquipmentID   string    `json:"equipment_id"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	Notes         string    `json:"notes"`
}

// Validate rejects malformed edits before anything is patched or sent.
func (e RequestEdit) Validate() error {
	if e.RequesterID == "" {
		return &ValidationError{Field: "requester_id", Message: "requester is required"}
	}
	if e.EquipmentID == "" {
		return &ValidationError{Field: "equipment_id", Message: "equipment is required"}
	}
	if e.StartDate.IsZero() || e.EndDate.IsZero() {
		return &ValidationError{Field: "start_date", Message: "start and end dates are required"}
	}
	if e.EndDate.Before(e.StartDate) {
		return &ValidationError{Field: "end_date", Message: "end date must not be before start date"}
	}
	return nil
}

// Apply returns a copy of r with the edit applied.
func (e RequestEdit) Apply(r RentalRequest) RentalRequest {
	r.RequesterID = e.RequesterID
	r.RequesterName = e.RequesterName
	r.EquipmentID = e.EquipmentID
	r.StartDate = e.StartDate
	r.EndDate = e.EndDate
	r.Notes = e.Notes
	return r
}

// RequestFilters are the active read parameters for the requests collection.
// Zero values mean "no filter"; Page below 1 means the first page.
type RequestFilters struct {
	RequesterID string        `json:"requester_id,omitempty"`
	EquipmentID string        `json:"equipment_id,omitempty"`
	Status      RequestStatus `json:"status,omitempty"`
	Page        int           `json:"page,omitempty"`
}

// Normalize returns f in canonical form: ids trimmed, a status spelled in any
// case mapped to the known status, and the first page written as zero. Two
// filter sets selecting the same rows normalize to equal values.
func (f RequestFilters) Normalize() RequestFilters {
	f.RequesterID = strings.TrimSpace(f.RequesterID)
	f.EquipmentID = strings.TrimSpace(f.EquipmentID)
	f.Status = RequestStatus(strings.TrimSpace(string(f.Status)))
	for _, s := range RequestStatuses {
		if strings.EqualFold(string(f.Status), string(s)) {
			f.Status = s
			break
		}
	}
	if f.Page == 1 {
		f.Page = 0
	}
	return f
}

// PageOrFirst returns the requested page, treating anything below 1 as 1.
func (f RequestFilters) PageOrFirst() int {
	if f.Page < 1 {
		return 1
	}
	return f.Page
}
