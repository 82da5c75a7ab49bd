package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/factory"
	"github.com/warp/points-engine/points"
)

// appendFunc appends one transaction to an account.
type appendFunc func(ctx context.Context, l *points.Ledger, id points.AccountID, amount int64) (points.TransactionID, error)

// runAppend executes fn and prints the new transaction with the account.
func (a *app) runAppend(cmd *cobra.Command, id, rawAmount string, fn appendFunc) error {
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return err
	}
	return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
		txID, err := fn(ctx, e.Ledger, points.AccountID(id), amount)
		if err != nil {
			return err
		}
		account, err := e.Ledger.GetAccount(ctx, points.AccountID(id))
		if err != nil {
			return err
		}
		return printJSON(cmd, api.TransactionResponse{TransactionID: int64(txID), Account: api.ToAccountDTO(account)})
	})
}

func (a *app) pointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "points",
		Short: "Credit permanent points",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <id> <amount>",
		Short: "Add permanent points to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAppend(cmd, args[0], args[1], func(ctx context.Context, l *points.Ledger, id points.AccountID, amount int64) (points.TransactionID, error) {
				return l.AddPoints(ctx, id, amount)
			})
		},
	})
	return cmd
}

func (a *app) grantCmd() *cobra.Command {
	var (
		expiresAt string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "grant <id> <amount>",
		Short: "Grant temporary points that expire",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiry time.Time
			switch {
			case expiresAt != "" && expiresIn != 0:
				return errors.New("use only one of --expires-at and --expires-in")
			case expiresAt != "":
				var err error
				if expiry, err = time.Parse(time.RFC3339, expiresAt); err != nil {
					return fmt.Errorf("invalid --expires-at: %w", err)
				}
			case expiresIn != 0:
				expiry = time.Now().Add(expiresIn)
			default:
				return errors.New("one of --expires-at or --expires-in is required")
			}
			return a.runAppend(cmd, args[0], args[1], func(ctx context.Context, l *points.Ledger, id points.AccountID, amount int64) (points.TransactionID, error) {
				return l.GrantTemporaryPoints(ctx, id, amount, expiry)
			})
		},
	}
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expiry time (RFC 3339)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expiry relative to now, e.g. 720h")
	return cmd
}

func (a *app) reserveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <id> <amount>",
		Short: "Reserve points; prints the reservation's transaction id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAppend(cmd, args[0], args[1], func(ctx context.Context, l *points.Ledger, id points.AccountID, amount int64) (points.TransactionID, error) {
				return l.Reserve(ctx, id, amount)
			})
		},
	}
}

type settleFunc func(ctx context.Context, l *points.Ledger, id points.TransactionID) (points.Settlement, error)

func (a *app) settleCmd(use, short string, fn settleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <transaction-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txID, err := parseTransactionID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
				result, err := fn(ctx, e.Ledger, txID)
				if err != nil {
					return err
				}
				account, err := e.Ledger.GetAccount(ctx, result.AccountID)
				if err != nil {
					return err
				}
				return printJSON(cmd, api.SettlementDTO{
					TransactionID: int64(result.TransactionID),
					AccountID:     string(result.AccountID),
					Amount:        result.Amount,
					Kind:          result.Kind.String(),
					Applied:       result.Applied,
					Cascaded:      result.Cascaded,
					Account:       api.ToAccountDTO(account),
				})
			})
		},
	}
}

func (a *app) cancelCmd() *cobra.Command {
	return a.settleCmd("cancel", "Release a reservation", func(ctx context.Context, l *points.Ledger, id points.TransactionID) (points.Settlement, error) {
		return l.Cancel(ctx, id)
	})
}

func (a *app) writeOffCmd() *cobra.Command {
	return a.settleCmd("write-off", "Commit a reservation", func(ctx context.Context, l *points.Ledger, id points.TransactionID) (points.Settlement, error) {
		return l.WriteOff(ctx, id)
	})
}

func (a *app) txCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Inspect transactions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txID, err := parseTransactionID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
				tx, err := e.Ledger.GetTransaction(ctx, txID)
				if err != nil {
					return err
				}
				return printJSON(cmd, api.ToTransactionDTO(tx))
			})
		},
	})
	return cmd
}
