// Package cli implements the pointsd command: the HTTP server and operator
// commands that drive the ledger directly.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/factory"
)

// app carries what every command needs: the viper instance the flags are
// bound to and the config file path.
type app struct {
	v          *viper.Viper
	configFile string
	envFile    string
}

// NewRootCmd builds the pointsd command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "pointsd",
		Short:         "Loyalty points ledger",
		Long:          "pointsd keeps permanent and expiring points per account and settles reservations against them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFiles(a.envFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (yaml, toml or json)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("storage-driver", config.DriverSQLite, "storage backend: memory, sqlite or postgres")
	flags.String("sqlite-path", "./data/points.db", "SQLite database path")
	a.v.BindPFlag("storage.driver", flags.Lookup("storage-driver"))
	a.v.BindPFlag("storage.sqlite_path", flags.Lookup("sqlite-path"))

	root.AddCommand(
		a.serveCmd(),
		a.accountCmd(),
		a.pointsCmd(),
		a.grantCmd(),
		a.reserveCmd(),
		a.cancelCmd(),
		a.writeOffCmd(),
		a.txCmd(),
		a.reconcileCmd(),
	)
	return root
}

// Execute runs pointsd with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.v, a.configFile)
}

// withEngine builds the configured engine, runs fn and releases the engine.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *factory.Engine) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	engine, err := factory.Build(ctx, cfg, log.New(cmd.ErrOrStderr(), "[points] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(ctx, engine)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
