package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/database/migrations"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/occupancy"
	"ms-occupancy/internal/utils"
)

func init() {
	rootCmd.AddCommand(migrateCmd, resetCmd, totalsCmd, reconcileCmd, grantCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateToCmd, migrateVersionCmd)

	migrateCmd.PersistentFlags().String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")

	resetCmd.Flags().String("scope", string(occupancy.ResetArea), "BUSINESS, VENUE or AREA")
	resetCmd.Flags().String("business", "", "Business id")
	resetCmd.Flags().String("venue", "", "Venue id, for VENUE resets")
	resetCmd.Flags().String("area", "", "Area id, for AREA resets")
	resetCmd.Flags().String("reason", "", "Recorded on every RESET event")
	resetCmd.MarkFlagRequired("business")

	totalsCmd.Flags().String("business", "", "Business id")
	totalsCmd.Flags().String("venue", "", "Venue id")
	totalsCmd.Flags().String("area", "", "Area id")
	totalsCmd.Flags().String("start", "", "Window start, RFC 3339 or unix seconds")
	totalsCmd.Flags().String("end", "", "Window end, RFC 3339 or unix seconds")
	totalsCmd.Flags().Bool("hourly", false, "Break the window into hourly buckets")
	totalsCmd.MarkFlagRequired("business")

	reconcileCmd.Flags().Bool("repair", false, "Overwrite a drifted snapshot with the replayed value")

	grantCmd.Flags().String("venue", "", "Limit the grant to one venue")
	grantCmd.Flags().String("role", auth.RoleStaff, "OWNER, MANAGER or STAFF")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back schema migrations",
}

func migrationRunner(cmd *cobra.Command) *migrations.Runner {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.Ledger.MigrationsDir
	}
	return migrations.NewRunner(bunDB, migrations.MigrateOptions{MigrationsDir: dir}, logger.NewNopLogger())
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := migrationRunner(cmd)
		defer runner.Close()
		if err := runner.MigrateUp(); err != nil {
			return err
		}
		color.Green("migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := migrationRunner(cmd)
		defer runner.Close()
		if err := runner.MigrateDown(); err != nil {
			return err
		}
		color.Yellow("migrations rolled back")
		return nil
	},
}

var migrateToCmd = &cobra.Command{
	Use:   "to VERSION",
	Short: "Migrate up or down to VERSION",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		runner := migrationRunner(cmd)
		defer runner.Close()
		if err := runner.MigrateTo(uint(version)); err != nil {
			return err
		}
		color.Green("schema at version %d", version)
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := migrationRunner(cmd)
		defer runner.Close()
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d", version)
		if dirty {
			color.New(color.FgRed).Print(" (dirty)")
		}
		fmt.Println()
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Zero occupancy for a business, venue or area",
	Long: `Reset writes a RESET event per area and moves each area's reset boundary.
Areas are reset independently; failures are listed and do not stop the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		business, _ := cmd.Flags().GetString("business")
		venue, _ := cmd.Flags().GetString("venue")
		area, _ := cmd.Flags().GetString("area")
		reason, _ := cmd.Flags().GetString("reason")

		summary, err := newService().ResetCounts(cmd.Context(), occupancy.ResetRequest{
			Scope:      occupancy.ResetScope(strings.ToUpper(scope)),
			BusinessID: business,
			VenueID:    venue,
			AreaID:     area,
			ActorID:    cliActor,
			Reason:     reason,
		})
		if err != nil {
			return err
		}
		if err := printJSON(summary); err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d areas failed to reset", summary.Failed, len(summary.Results))
		}
		return nil
	},
}

var totalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "Print entries and exits since the last reset",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		venue, _ := cmd.Flags().GetString("venue")
		area, _ := cmd.Flags().GetString("area")
		rawStart, _ := cmd.Flags().GetString("start")
		rawEnd, _ := cmd.Flags().GetString("end")
		hourly, _ := cmd.Flags().GetBool("hourly")

		start, err := utils.ParseTimestamp(rawStart)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		end, err := utils.ParseTimestamp(rawEnd)
		if err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}

		req := occupancy.TotalsRequest{
			Scope:   occupancy.Scope{BusinessID: business, VenueID: venue, AreaID: area},
			Window:  occupancy.Window{Start: start, End: end},
			ActorID: cliActor,
		}
		svc := newService()
		if hourly {
			buckets, err := svc.GetHourlyTraffic(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(buckets)
		}
		report, err := svc.GetTotals(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile AREA_ID",
	Short: "Compare an area's snapshot with its replayed ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repair, _ := cmd.Flags().GetBool("repair")
		report, err := newService().Reconcile(cmd.Context(), cliActor, args[0], repair)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		switch {
		case report.Drift == 0:
			color.Green("snapshot matches ledger")
		case report.Repaired:
			color.Yellow("snapshot repaired (drift %d)", report.Drift)
		default:
			color.Red("snapshot drifted by %d; rerun with --repair", report.Drift)
		}
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant USER_ID BUSINESS_ID",
	Short: "Give a user access to a business or one of its venues",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		venue, _ := cmd.Flags().GetString("venue")
		role, _ := cmd.Flags().GetString("role")
		switch role {
		case auth.RoleOwner, auth.RoleManager, auth.RoleStaff:
		default:
			return fmt.Errorf("unknown role %q", role)
		}
		if err := auth.NewScopeAuthorizer(bunDB).Grant(cmd.Context(), args[0], args[1], venue, role); err != nil {
			return err
		}
		color.Green("granted %s to %s", role, args[0])
		return nil
	},
}
