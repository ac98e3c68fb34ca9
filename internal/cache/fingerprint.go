package cache

import (
	"net/url"
	"strconv"

	"fleet-dashboard/internal/domain"
)

// unfiltered is the fingerprint of collections that are not read under filters.
const unfiltered = "*"

// Fingerprint encodes the active filters. Filters are expected in normalized
// form (see domain.RequestFilters.Normalize), so equal filter sets encode to
// the same string and different ones never collide.
func Fingerprint(f domain.RequestFilters) string {
	v := url.Values{}
	if f.RequesterID != "" {
		v.Set("requester", f.RequesterID)
	}
	if f.EquipmentID != "" {
		v.Set("equipment", f.EquipmentID)
	}
	if f.Status != "" {
		v.Set("status", string(f.Status))
	}
	if p := f.PageOrFirst(); p > 1 {
		v.Set("page", strconv.Itoa(p))
	}
	// Encode sorts by key.
	return v.Encode()
}

// FingerprintFor returns the fingerprint a read of c must carry to answer a
// query under filters f.
func FingerprintFor(c domain.Collection, f domain.RequestFilters) string {
	if c == domain.CollectionRequests {
		return Fingerprint(f)
	}
	return unfiltered
}
