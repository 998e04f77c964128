package domain

import "time"

// TransferType classifies the relationship between two paired transactions.
type TransferType string

const (
	TransferIntraHousehold TransferType = "intra_household"
	TransferDuplicate      TransferType = "duplicate"
	TransferExternal       TransferType = "external"
)

// TransferMatch pairs two transactions of one household. For duplicates the
// From side is the canonical (older) transaction and To is the duplicate.
type TransferMatch struct {
	ID                string
	HouseholdID       string
	FromTransactionID string
	ToTransactionID   string
	Amount            float64
	Confidence        float64
	TransferType      TransferType
	CreatedAt         time.Time
}

// Involves reports whether the match references transaction id.
func (m *TransferMatch) Involves(id string) bool {
	return m.FromTransactionID == id || m.ToTransactionID == id
}

// Counterpart returns the other transaction id of the pair.
func (m *TransferMatch) Counterpart(id string) string {
	if m.FromTransactionID == id {
		return m.ToTransactionID
	}
	return m.FromTransactionID
}
