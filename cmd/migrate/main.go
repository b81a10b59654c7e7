package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"entitlements.org/internal/migrate"
	"entitlements.org/internal/obs"
	"entitlements.org/migrations"
)

func main() {
	var (
		dsn     string
		timeout time.Duration
	)

	withManager := func(fn func(ctx context.Context, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or ENTITLEMENTS_DATABASE_DSN")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()
			return fn(ctx, migrate.NewManager(db, migrations.SQL, migrations.Dir))
		}
	}

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or roll back the entitlements schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("ENTITLEMENTS_DATABASE_DSN"), "PostgreSQL DSN")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					obs.Logger().WithField("migration", name).Info("applied")
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if err != nil {
					return err
				}
				obs.Logger().WithField("migration", name).Info("rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				history, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, item := range history {
					fmt.Println(item)
				}
				return nil
			}),
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		obs.Logger().WithError(err).Fatal("migrate failed")
	}
}
