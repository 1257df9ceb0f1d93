package store

import "time"

const (
	DefaultPageNumber = 1
	DefaultPageSize   = 20
	MaxPageSize       = 1000
)

// PageRequest selects one page of a listing. Page numbers start at 1.
type PageRequest struct {
	PageNumber int
	PageSize   int
}

// Normalize fills defaults and clamps the page size.
func (p PageRequest) Normalize() PageRequest {
	if p.PageNumber < 1 {
		p.PageNumber = DefaultPageNumber
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the number of rows to skip.
func (p PageRequest) Offset() int {
	n := p.Normalize()
	return (n.PageNumber - 1) * n.PageSize
}

// Page is one page of results plus the total match count
type Page[T any] struct {
	PageNumber   int   `json:"page_number"`
	PageSize     int   `json:"page_size"`
	TotalRecords int64 `json:"total_records"`
	TotalPages   int64 `json:"total_pages"`
	Records      []T   `json:"records"`
}

// NewPage assembles a Page from a request, a total count and the page rows.
func NewPage[T any](req PageRequest, total int64, records []T) Page[T] {
	req = req.Normalize()
	if records == nil {
		records = []T{}
	}
	pages := total / int64(req.PageSize)
	if total%int64(req.PageSize) != 0 {
		pages++
	}
	return Page[T]{
		PageNumber:   req.PageNumber,
		PageSize:     req.PageSize,
		TotalRecords: total,
		TotalPages:   pages,
		Records:      records,
	}
}

// DetailListOption filters a record's details
type DetailListOption struct {
	Status        ExecutionStatus
	RemoteCluster string
	RepoName      string
	StartedAfter  time.Time // inclusive, zero means unbounded
	StartedBefore time.Time // exclusive, zero means unbounded
	Page          PageRequest
}
