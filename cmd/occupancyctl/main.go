// Command occupancyctl runs ledger maintenance against the database directly.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/config"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/occupancy"
	occdb "ms-occupancy/internal/occupancy/db"
)

const cliActor = "occupancyctl"

var (
	cfg   *config.Config
	dsn   string
	bunDB *bun.DB
)

var rootCmd = &cobra.Command{
	Use:           "occupancyctl",
	Short:         "Maintain the occupancy ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := sqldb.PingContext(ctx); err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		bunDB = bun.NewDB(sqldb, pgdialect.New())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if bunDB != nil {
			bunDB.Close()
		}
	},
}

// newService builds a ledger service that trusts the operator. Changes made
// here are not pushed to live dashboards.
func newService() *occupancy.Service {
	svc := occupancy.NewService(&occdb.DB{Bun: bunDB}, auth.Trusted{}, nil, nil, nil, logger.NewNopLogger())
	svc.DefaultTimezone = cfg.Ledger.DefaultTimezone
	return svc
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	_ = godotenv.Load()
	cfg = config.Load()
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", cfg.Database.DSN, "Postgres connection string (defaults to POSTGRES_DSN)")

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
