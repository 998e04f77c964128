package domain

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Transaction represents one household transaction as seen by the detectors.
// The core fields are owned by the ingestion side and treated as read-only;
// the flag fields are the verdicts this module writes back.
type Transaction struct {
	ID           string
	HouseholdID  string
	AccountID    string
	Amount       float64   // signed, negative = outflow, base currency
	Date         time.Time // booking date-time
	MerchantName string
	Description  string
	Currency     string

	// Recurring verdict. IsRecurring is nil until the recurring detector ran.
	IsRecurring          *bool
	PatternID            string
	RecurringConfidence  float64
	RecurringExplanation string

	// Transfer verdict. IsTransfer is nil until the transfer detector ran.
	IsTransfer          *bool
	TransferType        TransferType
	PairedTransactionID string
	TransferConfidence  float64
	TransferExplanation string
}

// Validate reports a DataInconsistency when the transaction lacks the fields
// every detector relies on.
func (t *Transaction) Validate() error {
	switch {
	case t == nil:
		return NewDetectionError(KindDataInconsistency, "", errors.New("nil transaction"))
	case t.ID == "":
		return NewDetectionError(KindDataInconsistency, "", errors.New("missing transaction id"))
	case t.HouseholdID == "":
		return NewDetectionError(KindDataInconsistency, t.ID, errors.New("missing household id"))
	case t.Date.IsZero():
		return NewDetectionError(KindDataInconsistency, t.ID, errors.New("missing date"))
	}
	return nil
}

// FlaggedTransfer reports whether the transfer detector marked t as a transfer
// or duplicate.
func (t *Transaction) FlaggedTransfer() bool {
	return t.IsTransfer != nil && *t.IsTransfer
}

// RecurringFlags is the write-back payload of the recurring detector.
type RecurringFlags struct {
	IsRecurring bool
	PatternID   string
	Confidence  float64
	Explanation string
}

// TransferFlags is the write-back payload of the transfer detector.
type TransferFlags struct {
	IsTransfer          bool
	TransferType        TransferType
	PairedTransactionID string
	Confidence          float64
	Explanation         string
}

// MerchantKey returns the comparison key for a merchant name: case folded,
// trimmed and with inner whitespace collapsed.
func MerchantKey(name string) string {
	return strings.Join(strings.Fields(cases.Fold().String(name)), " ")
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
