// internal/api/types/response.go
package types

// PaginatedResponse is one page of a listing plus the size of the full result.
type PaginatedResponse[T any] struct {
	Data       []T   `json:"data"`
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
	TotalCount int64 `json:"total_count"`
	HasMore    bool  `json:"has_more"`
}

// NewPage builds a page and derives HasMore from the total.
func NewPage[T any](data []T, limit, offset int, total int64) PaginatedResponse[T] {
	if data == nil {
		data = []T{}
	}
	return PaginatedResponse[T]{
		Data:       data,
		Limit:      limit,
		Offset:     offset,
		TotalCount: total,
		HasMore:    int64(offset+len(data)) < total,
	}
}
