// migrateminis is a one-shot migration for deployments created before the
// currency rename. It moves legacy points_* tables and columns onto the
// minis schema the daemon expects. Safe to re-run: every statement guards on
// the legacy name still existing.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var statements = []struct {
	desc  string
	check string
	apply string
}{
	{
		desc:  "rename points_ledger to ledger_entries",
		check: `SELECT 1 FROM information_schema.tables WHERE table_name = 'points_ledger'`,
		apply: `ALTER TABLE points_ledger RENAME TO ledger_entries`,
	},
	{
		desc:  "rename accounts.points_balance to balance",
		check: `SELECT 1 FROM information_schema.columns WHERE table_name = 'accounts' AND column_name = 'points_balance'`,
		apply: `ALTER TABLE accounts RENAME COLUMN points_balance TO balance`,
	},
	{
		desc:  "rename purchases.points_charged to price_charged",
		check: `SELECT 1 FROM information_schema.columns WHERE table_name = 'purchases' AND column_name = 'points_charged'`,
		apply: `ALTER TABLE purchases RENAME COLUMN points_charged TO price_charged`,
	},
	{
		desc:  "rename purchases.points_granted to reward_granted",
		check: `SELECT 1 FROM information_schema.columns WHERE table_name = 'purchases' AND column_name = 'points_granted'`,
		apply: `ALTER TABLE purchases RENAME COLUMN points_granted TO reward_granted`,
	},
	{
		desc:  "rewrite legacy points_* ledger reasons",
		check: `SELECT 1 FROM information_schema.tables WHERE table_name = 'ledger_entries'`,
		apply: `UPDATE ledger_entries SET reason = replace(reason, 'points_', '') WHERE reason LIKE 'points_%'`,
	},
}

func main() {
	var (
		databaseURL = flag.String("database-url", os.Getenv("MINIS_DATABASE_URL"), "postgres connection string")
		dryRun      = flag.Bool("dry-run", false, "report what would change without applying")
	)
	flag.Parse()

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "database url required (flag or MINIS_DATABASE_URL)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", *databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ping database: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, db, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, db *sql.DB, dryRun bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	applied := 0
	for _, s := range statements {
		var one int
		err := tx.QueryRowContext(ctx, s.check).Scan(&one)
		if err == sql.ErrNoRows {
			fmt.Printf("skip: %s (already migrated)\n", s.desc)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s.desc, err)
		}
		if dryRun {
			fmt.Printf("would apply: %s\n", s.desc)
			continue
		}
		if _, err := tx.ExecContext(ctx, s.apply); err != nil {
			return fmt.Errorf("%s: %w", s.desc, err)
		}
		fmt.Printf("applied: %s\n", s.desc)
		applied++
	}

	if dryRun {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fmt.Printf("done, %d statements applied\n", applied)
	return nil
}
