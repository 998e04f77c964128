package bigquery

import (
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	HouseholdID   string `bigquery:"household_id"`   // REQUIRED

	AccountID bigquery.NullString `bigquery:"account_id"` // NULLABLE

	Amount   *big.Rat            `bigquery:"amount"`   // REQUIRED NUMERIC
	Currency bigquery.NullString `bigquery:"currency"` // NULLABLE

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED, partition column
	BookingTS       time.Time  `bigquery:"booking_ts"`       // REQUIRED

	MerchantName   bigquery.NullString `bigquery:"merchant_name"`   // NULLABLE
	MerchantKey    bigquery.NullString `bigquery:"merchant_key"`    // NULLABLE
	RawDescription bigquery.NullString `bigquery:"raw_description"` // NULLABLE

	IsRecurring          bigquery.NullBool    `bigquery:"is_recurring"`
	PatternID            bigquery.NullString  `bigquery:"pattern_id"`
	RecurringConfidence  bigquery.NullFloat64 `bigquery:"recurring_confidence"`
	RecurringExplanation bigquery.NullString  `bigquery:"recurring_explanation"`

	IsTransfer          bigquery.NullBool    `bigquery:"is_transfer"`
	TransferType        bigquery.NullString  `bigquery:"transfer_type"`
	PairedTransactionID bigquery.NullString  `bigquery:"paired_transaction_id"`
	TransferConfidence  bigquery.NullFloat64 `bigquery:"transfer_confidence"`
	TransferExplanation bigquery.NullString  `bigquery:"transfer_explanation"`

	CreatedTS time.Time              `bigquery:"created_ts"` // REQUIRED
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"` // NULLABLE
}

// transactionInsert is the STRUCT element of the insert array parameter.
type transactionInsert struct {
	TransactionID   string     `bigquery:"transaction_id"`
	HouseholdID     string     `bigquery:"household_id"`
	AccountID       string     `bigquery:"account_id"`
	Amount          *big.Rat   `bigquery:"amount"`
	Currency        string     `bigquery:"currency"`
	TransactionDate civil.Date `bigquery:"transaction_date"`
	BookingTS       time.Time  `bigquery:"booking_ts"`
	MerchantName    string     `bigquery:"merchant_name"`
	MerchantKey     string     `bigquery:"merchant_key"`
	RawDescription  string     `bigquery:"raw_description"`
}

func newTransactionInsert(tx *domain.Transaction) transactionInsert {
	booking := tx.Date.UTC()
	return transactionInsert{
		TransactionID:   tx.ID,
		HouseholdID:     tx.HouseholdID,
		AccountID:       tx.AccountID,
		Amount:          ratFromFloat(tx.Amount),
		Currency:        tx.Currency,
		TransactionDate: civil.DateOf(booking),
		BookingTS:       booking,
		MerchantName:    tx.MerchantName,
		MerchantKey:     domain.MerchantKey(tx.MerchantName),
		RawDescription:  tx.Description,
	}
}

// toDomain converts a row into a domain transaction. Unset flags stay nil.
func (r *TransactionRow) toDomain() domain.Transaction {
	tx := domain.Transaction{
		ID:           r.TransactionID,
		HouseholdID:  r.HouseholdID,
		AccountID:    r.AccountID.StringVal,
		Amount:       floatFromRat(r.Amount),
		Date:         r.BookingTS.UTC(),
		MerchantName: r.MerchantName.StringVal,
		Description:  r.RawDescription.StringVal,
		Currency:     r.Currency.StringVal,

		PatternID:            r.PatternID.StringVal,
		RecurringConfidence:  r.RecurringConfidence.Float64,
		RecurringExplanation: r.RecurringExplanation.StringVal,

		TransferType:        domain.TransferType(r.TransferType.StringVal),
		PairedTransactionID: r.PairedTransactionID.StringVal,
		TransferConfidence:  r.TransferConfidence.Float64,
		TransferExplanation: r.TransferExplanation.StringVal,
	}
	if r.IsRecurring.Valid {
		tx.IsRecurring = domain.BoolPtr(r.IsRecurring.Bool)
	}
	if r.IsTransfer.Valid {
		tx.IsTransfer = domain.BoolPtr(r.IsTransfer.Bool)
	}
	return tx
}

// ratFromFloat converts an amount to NUMERIC, rounded to cents.
func ratFromFloat(f float64) *big.Rat {
	r := new(big.Rat)
	r.SetString(big.NewFloat(f).Text('f', 2))
	return r
}

func floatFromRat(r *big.Rat) float64 {
	if r == nil {
		return 0
	}
	f, _ := r.Float64()
	return f
}
