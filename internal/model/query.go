package model

// SortDirection orders a sort key.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// String returns the SQL keyword.
func (d SortDirection) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// SortDescriptor is one sort key.
type SortDescriptor struct {
	Field     string
	Direction SortDirection
}

// SortInput is an ordered list of sort keys; order is preserved as given.
type SortInput []SortDescriptor

// Asc sorts by field ascending.
func Asc(field string) SortDescriptor { return SortDescriptor{Field: field, Direction: Ascending} }

// Desc sorts by field descending.
func Desc(field string) SortDescriptor { return SortDescriptor{Field: field, Direction: Descending} }

// DefaultPageLimit is the page size used when none is given.
const DefaultPageLimit = 100

// Pagination selects a page of results.
type Pagination struct {
	Page  int
	Limit int
}

// Page returns the zero-based page n with the given limit. A negative n is
// page zero and a limit <= 0 uses [DefaultPageLimit].
func Page(n, limit int) *Pagination {
	if n < 0 {
		n = 0
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return &Pagination{Page: n, Limit: limit}
}

// FirstPage is page zero with the default limit.
func FirstPage() *Pagination { return Page(0, DefaultPageLimit) }

// FirstResult is page zero with a limit of one.
func FirstResult() *Pagination { return Page(0, 1) }

// Offset returns the number of rows skipped.
func (p *Pagination) Offset() int {
	if p.Page < 0 {
		return 0
	}
	return p.Page * p.Limit
}
