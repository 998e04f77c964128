package domain

import "time"

// RecurringDetection is the verdict of the recurring detector for one
// transaction. The JSON form is the cached representation.
type RecurringDetection struct {
	TransactionID string      `json:"transaction_id"`
	IsRecurring   bool        `json:"is_recurring"`
	PatternID     string      `json:"pattern_id,omitempty"`
	PatternType   PatternType `json:"pattern_type,omitempty"`
	NextDueDate   *time.Time  `json:"next_due_date,omitempty"`
	Confidence    float64     `json:"confidence"`
	Explanation   string      `json:"explanation"`
}

// Flags converts the verdict into its write-back payload.
func (d *RecurringDetection) Flags() RecurringFlags {
	return RecurringFlags{
		IsRecurring: d.IsRecurring,
		PatternID:   d.PatternID,
		Confidence:  d.Confidence,
		Explanation: d.Explanation,
	}
}

// TransferDetection is the verdict of the transfer/duplicate detector for one
// transaction. Confidence 1.0 with IsTransfer false means "checked, clean".
type TransferDetection struct {
	TransactionID       string       `json:"transaction_id"`
	IsTransfer          bool         `json:"is_transfer"`
	TransferType        TransferType `json:"transfer_type,omitempty"`
	PairedTransactionID string       `json:"paired_transaction_id,omitempty"`
	Confidence          float64      `json:"confidence"`
	Explanation         string       `json:"explanation"`
}

// Flags converts the verdict into its write-back payload.
func (d *TransferDetection) Flags() TransferFlags {
	return TransferFlags{
		IsTransfer:          d.IsTransfer,
		TransferType:        d.TransferType,
		PairedTransactionID: d.PairedTransactionID,
		Confidence:          d.Confidence,
		Explanation:         d.Explanation,
	}
}

// UpcomingPayment is a read projection of an active pattern due soon.
type UpcomingPayment struct {
	PatternID    string      `json:"pattern_id"`
	MerchantName string      `json:"merchant_name"`
	Amount       float64     `json:"amount"`
	PatternType  PatternType `json:"pattern_type"`
	NextDueDate  time.Time   `json:"next_due_date"`
	Confidence   float64     `json:"confidence"`
}

// PriceChangeType tells whether a recurring charge grew or shrank.
type PriceChangeType string

const (
	PriceIncrease PriceChangeType = "increase"
	PriceDecrease PriceChangeType = "decrease"
)

// PriceChange is a transaction whose amount deviates from its pattern.
type PriceChange struct {
	PatternID      string          `json:"pattern_id"`
	TransactionID  string          `json:"transaction_id"`
	MerchantName   string          `json:"merchant_name"`
	ExpectedAmount float64         `json:"expected_amount"`
	ActualAmount   float64         `json:"actual_amount"`
	Date           time.Time       `json:"date"`
	ChangeRatio    float64         `json:"price_change_ratio"`
	ChangeType     PriceChangeType `json:"change_type"`
}

// MissedPayment is an active pattern whose due date passed unmatched.
type MissedPayment struct {
	PatternID    string      `json:"pattern_id"`
	MerchantName string      `json:"merchant_name"`
	Amount       float64     `json:"amount"`
	PatternType  PatternType `json:"pattern_type"`
	NextDueDate  time.Time   `json:"next_due_date"`
	LastSeen     time.Time   `json:"last_seen"`
	DaysOverdue  int         `json:"days_overdue"`
}

// TransferStats summarizes transfer verdicts of a household over a period.
type TransferStats struct {
	TotalTransfers          int     `json:"total_transfers"`
	IntraHouseholdTransfers int     `json:"intra_household_transfers"`
	DuplicateTransfers      int     `json:"duplicate_transfers"`
	ExternalTransfers       int     `json:"external_transfers"`
	AvgConfidence           float64 `json:"avg_confidence"`
}
