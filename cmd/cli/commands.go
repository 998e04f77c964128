package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-patterns/internal/app"
)

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect [household...]",
		Short: "Classify unclassified transactions (all households when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				reports, runErr := a.Coordinator.Run(ctx, args)

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintln(w, "HOUSEHOLD\tCHECKED\tTRANSFERS\tRECURRING\tCOLLAPSED\tFAILURES\tDURATION")
				for _, r := range reports {
					if r == nil {
						continue
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
						r.HouseholdID, r.TransferChecked, r.Transfers, r.Recurring,
						r.Collapsed, len(r.Failures), r.Duration.Round(time.Millisecond))
				}
				if err := w.Flush(); err != nil {
					return err
				}

				for _, r := range reports {
					if r == nil {
						continue
					}
					for _, f := range r.Failures {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s %s [%s/%s]: %s\n", r.HouseholdID, f.TransactionID, f.Stage, f.Kind, f.Error)
					}
				}
				return runErr
			})
		},
	}
}

func collapseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collapse <household>",
		Short: "Mark the later of each duplicate pair as a duplicate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Transfers.CollapseDuplicates(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Collapsed %d duplicate(s) in %s\n", n, args[0])
				return nil
			})
		},
	}
}

func upcomingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upcoming <household>",
		Short: "List recurring payments due in the next days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				upcoming, err := a.Recurring.Upcoming(ctx, args[0], days)
				if err != nil {
					return err
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), upcoming)
				}

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintln(w, "DUE\tMERCHANT\tAMOUNT\tCADENCE\tCONFIDENCE")
				for _, u := range upcoming {
					fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%.2f\n",
						u.NextDueDate.Format("2006-01-02"), u.MerchantName, u.Amount, u.PatternType, u.Confidence)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntP("days", "d", 30, "Look-ahead window in days")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func missedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "missed <household>",
		Short: "List recurring payments that are overdue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				missed, err := a.Recurring.MissedPayments(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), missed)
				}

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintln(w, "MERCHANT\tAMOUNT\tDUE\tLAST SEEN\tOVERDUE")
				for _, m := range missed {
					fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\t%dd\n",
						m.MerchantName, m.Amount, m.NextDueDate.Format("2006-01-02"),
						m.LastSeen.Format("2006-01-02"), m.DaysOverdue)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func priceChangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price-changes <household>",
		Short: "List recurring payments whose amount drifted from the pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				changes, err := a.Recurring.PriceChanges(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), changes)
				}

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintln(w, "DATE\tMERCHANT\tEXPECTED\tACTUAL\tCHANGE")
				for _, c := range changes {
					fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%+.1f%% (%s)\n",
						c.Date.Format("2006-01-02"), c.MerchantName, c.ExpectedAmount, c.ActualAmount,
						c.ChangeRatio*100, c.ChangeType)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <household>",
		Short: "Summarize transfer matches of the last days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Transfers.Statistics(ctx, args[0], days)
				if err != nil {
					return err
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), stats)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Transfers (last %d days)\n", days)
				fmt.Fprintf(out, "  Total:          %d\n", stats.TotalTransfers)
				fmt.Fprintf(out, "  Intra-household: %d\n", stats.IntraHouseholdTransfers)
				fmt.Fprintf(out, "  Duplicates:     %d\n", stats.DuplicateTransfers)
				fmt.Fprintf(out, "  External:       %d\n", stats.ExternalTransfers)
				fmt.Fprintf(out, "  Avg confidence: %.2f\n", stats.AvgConfidence)
				return nil
			})
		},
	}
	cmd.Flags().IntP("days", "d", 30, "Look-back window in days")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.json>",
		Short: "Load transactions from a JSON fixture into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			txs, err := readSeed(f)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Store.InsertTransactions(ctx, txs); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d transaction(s) from %s\n", len(txs), args[0])
				return nil
			})
		},
	}
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
