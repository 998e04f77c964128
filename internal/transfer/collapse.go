package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

// CollapseDuplicates marks obvious duplicates of a household: pairs within
// the time window whose amounts agree within tolerance and that share a
// merchant or a description. For each transaction the nearest such partner is
// taken and the newer side is flagged as a duplicate of the older; a partner
// already paired elsewhere yields to the next nearest. Running it again
// changes nothing. It returns the number of transactions flagged.
func (d *Detector) CollapseDuplicates(ctx context.Context, householdID string) (int, error) {
	all, err := d.store.ListTransactions(ctx, householdID, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("CollapseDuplicates: list transactions: %w", err)
	}

	txs := make([]domain.Transaction, 0, len(all))
	for _, tx := range all {
		if !tx.FlaggedTransfer() {
			txs = append(txs, tx)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Date.Before(txs[j].Date) })

	collapsed := 0
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return collapsed, err
		}
		if txs[i].FlaggedTransfer() {
			continue
		}
		for _, j := range d.duplicatePartners(txs, i) {
			canonical, dup := olderFirst(&txs[i], &txs[j])

			err := d.collapsePair(ctx, canonical, dup)
			if errors.Is(err, errPairTaken) {
				continue
			}
			if err != nil {
				return collapsed, fmt.Errorf("CollapseDuplicates: %w", err)
			}
			collapsed++
			break
		}
	}

	if collapsed > 0 {
		d.log.Info().Str("household_id", householdID).Int("collapsed", collapsed).Msg("Collapsed duplicate transactions")
	}
	return collapsed, nil
}

// duplicatePartners returns the indexes of the unflagged duplicate partners
// of txs[i] inside the window, nearest first. txs is sorted by date.
func (d *Detector) duplicatePartners(txs []domain.Transaction, i int) []int {
	var partners []int
	consider := func(j int) bool {
		if absDuration(txs[j].Date.Sub(txs[i].Date)) > d.cfg.Window {
			return false
		}
		if !txs[j].FlaggedTransfer() && d.looksDuplicate(&txs[i], &txs[j]) {
			partners = append(partners, j)
		}
		return true
	}
	for j := i - 1; j >= 0 && consider(j); j-- {
	}
	for j := i + 1; j < len(txs) && consider(j); j++ {
	}

	gap := func(j int) time.Duration { return absDuration(txs[j].Date.Sub(txs[i].Date)) }
	sort.SliceStable(partners, func(a, b int) bool { return gap(partners[a]) < gap(partners[b]) })
	return partners
}

func (d *Detector) looksDuplicate(a, b *domain.Transaction) bool {
	if math.Abs(a.Amount-b.Amount) > d.cfg.AmountTolerance {
		return false
	}
	if ka := domain.MerchantKey(a.MerchantName); ka != "" && ka == domain.MerchantKey(b.MerchantName) {
		return true
	}
	return a.Description != "" && a.Description == b.Description
}

// errPairTaken reports that one side of a candidate pair is already paired
// with a different transaction.
var errPairTaken = errors.New("pair taken by another match")

// collapsePair claims the pair and flags dup. A pair claimed by an earlier
// run whose flag write never landed is repaired.
func (d *Detector) collapsePair(ctx context.Context, canonical, dup *domain.Transaction) error {
	m := &domain.TransferMatch{
		HouseholdID:       dup.HouseholdID,
		FromTransactionID: canonical.ID,
		ToTransactionID:   dup.ID,
		Amount:            dup.Amount,
		Confidence:        DuplicateScore(canonical, dup),
		TransferType:      domain.TransferDuplicate,
	}
	err := d.store.ClaimMatch(ctx, m)
	if errors.Is(err, domain.ErrAlreadyClaimed) {
		existing, ferr := d.store.FindMatch(ctx, dup.ID)
		if ferr != nil {
			return fmt.Errorf("find match %s: %w", dup.ID, ferr)
		}
		if existing == nil || existing.TransferType != domain.TransferDuplicate || existing.ToTransactionID != dup.ID {
			return errPairTaken
		}
		m = existing
	} else if err != nil {
		return fmt.Errorf("claim %s: %w", dup.ID, err)
	}

	v := verdictFromMatch(dup.ID, m)
	if err := d.store.SaveTransferFlags(ctx, dup.ID, v.Flags()); err != nil {
		return fmt.Errorf("flag %s: %w", dup.ID, err)
	}
	dup.IsTransfer = domain.BoolPtr(true)
	return nil
}

// Statistics summarizes the transfer verdicts of a household over the last
// days days.
func (d *Detector) Statistics(ctx context.Context, householdID string, days int) (*domain.TransferStats, error) {
	since := d.now().AddDate(0, 0, -days)
	txs, err := d.store.ListTransactions(ctx, householdID, since)
	if err != nil {
		return nil, fmt.Errorf("Statistics: list transactions: %w", err)
	}

	stats := &domain.TransferStats{}
	var confidenceSum float64
	for _, tx := range txs {
		if !tx.FlaggedTransfer() {
			continue
		}
		stats.TotalTransfers++
		confidenceSum += tx.TransferConfidence
		switch tx.TransferType {
		case domain.TransferIntraHousehold:
			stats.IntraHouseholdTransfers++
		case domain.TransferDuplicate:
			stats.DuplicateTransfers++
		case domain.TransferExternal:
			stats.ExternalTransfers++
		}
	}
	if stats.TotalTransfers > 0 {
		stats.AvgConfidence = confidenceSum / float64(stats.TotalTransfers)
	}
	return stats, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
