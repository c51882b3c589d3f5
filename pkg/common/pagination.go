package common

import (
	"net/http"
	"strconv"
)

// ListParams represents limit-based list parameters. Event-sourced listings
// have no stable offsets, so the API paginates by limit only.
type ListParams struct {
	Limit int `json:"limit"`
}

// DefaultListParams returns default list parameters
func DefaultListParams() ListParams {
	return ListParams{Limit: 50}
}

// ExtractListParams extracts list parameters from the request query
func ExtractListParams(r *http.Request) ListParams {
	params := DefaultListParams()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			if n > 200 {
				n = 200
			}
			params.Limit = n
		}
	}
	return params
}

// BuildListMeta builds pagination metadata for a limit-based listing
func BuildListMeta(limit, count int) *PaginationInfo {
	return &PaginationInfo{
		Limit:   limit,
		Count:   count,
		HasMore: count >= limit,
	}
}
