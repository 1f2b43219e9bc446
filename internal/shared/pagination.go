package shared

// Listing bounds.
const (
	DefaultPerPage = 50
	MaxPerPage     = 500
)

// Page is a clamped page request for listings.
type Page struct {
	Number  int `json:"page"`
	PerPage int `json:"per_page"`
}

// NewPage clamps number to at least 1 and perPage into [1, MaxPerPage],
// falling back to DefaultPerPage when unset.
func NewPage(number, perPage int) Page {
	if number <= 0 {
		number = 1
	}
	switch {
	case perPage <= 0:
		perPage = DefaultPerPage
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	return Page{Number: number, PerPage: perPage}
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.PerPage
}
