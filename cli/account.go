package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/factory"
	"github.com/warp/points-engine/points"
)

func (a *app) accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create and inspect accounts",
	}

	var initial int64
	create := &cobra.Command{
		Use:   "create [id]",
		Short: "Create an account (a UUID is generated when id is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := uuid.NewString()
			if len(args) == 1 {
				id = args[0]
			}
			return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
				created, err := e.Ledger.CreateAccount(ctx, points.AccountID(id), initial)
				if err != nil {
					return err
				}
				account, err := e.Ledger.GetAccount(ctx, points.AccountID(id))
				if err != nil {
					return err
				}
				return printJSON(cmd, api.CreateAccountResponse{Created: created, Account: api.ToAccountDTO(account)})
			})
		},
	}
	create.Flags().Int64Var(&initial, "initial", 0, "initial permanent points")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the account balance as of now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
				account, err := e.Ledger.GetAccount(ctx, points.AccountID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, api.ToAccountDTO(account))
			})
		},
	}

	history := &cobra.Command{
		Use:   "history <id>",
		Short: "List the account's transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
				txs, err := e.Ledger.Transactions(ctx, points.AccountID(args[0]))
				if err != nil {
					return err
				}
				dtos := make([]api.TransactionDTO, 0, len(txs))
				for _, tx := range txs {
					dtos = append(dtos, api.ToTransactionDTO(tx))
				}
				return printJSON(cmd, dtos)
			})
		},
	}

	grants := &cobra.Command{
		Use:   "grants <id>",
		Short: "List the account's unexpired temporary grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
				grants, err := e.Ledger.Grants(ctx, points.AccountID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, api.ToGrantDTOs(grants))
			})
		},
	}

	cmd.AddCommand(create, show, history, grants)
	return cmd
}

func (a *app) reconcileCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "reconcile <id>",
		Short: "Apply expiries due at a time (default now)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if at != "" {
				var err error
				if when, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			return a.withEngine(cmd, func(ctx context.Context, e *factory.Engine) error {
				account, err := e.Ledger.Reconcile(ctx, points.AccountID(args[0]), when)
				if err != nil {
					return err
				}
				return printJSON(cmd, api.ToAccountDTO(account))
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reconciliation time (RFC 3339)")
	return cmd
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

func parseTransactionID(s string) (points.TransactionID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid transaction id %q", s)
	}
	return points.TransactionID(n), nil
}
