package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

// seedTransaction is the fixture format of the seed command.
type seedTransaction struct {
	ID           string    `json:"id"`
	HouseholdID  string    `json:"household_id"`
	AccountID    string    `json:"account_id"`
	Amount       float64   `json:"amount"`
	Date         time.Time `json:"date"`
	MerchantName string    `json:"merchant_name"`
	Description  string    `json:"description"`
	Currency     string    `json:"currency"`
}

func (s seedTransaction) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ID, validation.Required),
		validation.Field(&s.HouseholdID, validation.Required),
		validation.Field(&s.Date, validation.Required),
	)
}

// readSeed decodes a JSON array of transactions and validates each entry.
func readSeed(r io.Reader) ([]domain.Transaction, error) {
	var raw []seedTransaction
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("readSeed: decode: %w", err)
	}

	txs := make([]domain.Transaction, 0, len(raw))
	for i, s := range raw {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("readSeed: entry %d: %w", i, err)
		}
		txs = append(txs, domain.Transaction{
			ID:           s.ID,
			HouseholdID:  s.HouseholdID,
			AccountID:    s.AccountID,
			Amount:       s.Amount,
			Date:         s.Date.UTC(),
			MerchantName: s.MerchantName,
			Description:  s.Description,
			Currency:     s.Currency,
		})
	}
	return txs, nil
}
