package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ecoshare/backend/config"
	"github.com/ecoshare/backend/internal/database"
	"github.com/ecoshare/backend/internal/logger"
	"github.com/ecoshare/backend/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg     *config.Config
	logg    *zap.Logger
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the chat store schema",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logg, err = logger.New(cfg.Server.Env); err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending Postgres migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *database.DB) error {
			return database.RunMigrations(ctx, db.DB, logg)
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent Postgres migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *database.DB) error {
			version, err := database.RollbackLast(ctx, db.DB, logg)
			if err != nil {
				return err
			}
			if version == 0 {
				fmt.Println("Nothing to roll back")
				return nil
			}
			fmt.Printf("Rolled back version %d\n", version)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and when they were applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *database.DB) error {
			list, err := database.Status(ctx, db.DB)
			if err != nil {
				return err
			}
			fmt.Println("\nMigrations:")
			fmt.Println("-----------")
			for _, m := range list {
				applied := "pending"
				if m.AppliedAt != nil {
					applied = m.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("Version %d %-28s %s\n", m.Version, m.Name, applied)
			}
			return nil
		})
	},
}

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Create the MongoDB indexes, including the unique direct conversation key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		store, err := repository.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return err
		}
		defer store.Close(context.Background()) //nolint:errcheck

		created, err := store.EnsureIndexes(ctx)
		if err != nil {
			return err
		}
		for _, name := range created {
			fmt.Println(name)
		}
		return nil
	},
}

func withDB(parent context.Context, fn func(context.Context, *database.DB) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	db, err := database.NewPostgresDB(ctx, cfg.GetDSN(), database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db)
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the command")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, indexesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
