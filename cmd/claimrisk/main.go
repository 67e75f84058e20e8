package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimrisk/claimrisk/internal/config"
	"github.com/claimrisk/claimrisk/internal/domain/mldata"
	"github.com/claimrisk/claimrisk/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claimrisk",
		Short: "Claim denial risk engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkHistoricalDataCmd())
	rootCmd.AddCommand(prepareDataCmd())
	rootCmd.AddCommand(modelCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Down(ctx)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				fmt.Printf("Rolled back %d migration(s).\n", count)
				return nil
			})
		},
	}
	downCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(downCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// withMigrator loads config, opens a pool, and runs fn with a migrator.
func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir))
}

// windowFlags attaches the shared --start-date/--end-date/--output flags.
func windowFlags(cmd *cobra.Command) {
	cmd.Flags().String("start-date", "", "Window start (YYYY-MM-DD, inclusive)")
	cmd.Flags().String("end-date", "", "Window end (YYYY-MM-DD, exclusive)")
	cmd.Flags().String("output", "", "Output file (default stdout)")
	cmd.MarkFlagRequired("start-date")
	cmd.MarkFlagRequired("end-date")
}

// loadWindow parses the date flags and loads labeled rows for the window.
func loadWindow(cmd *cobra.Command) ([]mldata.Row, time.Time, time.Time, error) {
	startStr, _ := cmd.Flags().GetString("start-date")
	endStr, _ := cmd.Flags().GetString("end-date")
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("invalid --start-date %q: %w", startStr, err)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("invalid --end-date %q: %w", endStr, err)
	}
	if !end.After(start) {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("--end-date must be after --start-date")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	defer pool.Close()

	rows, err := mldata.NewRepoPG(pool).Rows(ctx, start, end)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	return rows, start, end, nil
}

// withOutput runs fn against the --output file, or stdout when unset.
func withOutput(cmd *cobra.Command, fn func(w io.Writer) error) error {
	path, _ := cmd.Flags().GetString("output")
	if path == "" {
		return fn(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func checkHistoricalDataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-historical-data",
		Short: "Validate a historical window for training quality",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, start, end, err := loadWindow(cmd)
			if err != nil {
				return err
			}
			report := mldata.Check(rows, start, end)
			if err := withOutput(cmd, func(w io.Writer) error {
				return writeJSON(w, report)
			}); err != nil {
				return err
			}
			// Validation failure is a non-zero exit after the report.
			return report.Err()
		},
	}
	windowFlags(cmd)
	return cmd
}

func prepareDataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare-data",
		Short: "Export the training feature matrix as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, start, end, err := loadWindow(cmd)
			if err != nil {
				return err
			}
			if err := mldata.Check(rows, start, end).Err(); err != nil {
				return err
			}
			return withOutput(cmd, func(w io.Writer) error {
				return mldata.WriteCSV(w, rows)
			})
		},
	}
	windowFlags(cmd)
	return cmd
}

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Offline denial-model pipeline",
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the logistic baseline and write the model artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, start, end, err := loadWindow(cmd)
			if err != nil {
				return err
			}
			if err := mldata.Check(rows, start, end).Err(); err != nil {
				return err
			}
			m, err := mldata.Train(rows, mldata.DefaultTrainConfig())
			if err != nil {
				return err
			}
			return withOutput(cmd, m.Save)
		},
	}
	windowFlags(trainCmd)
	cmd.AddCommand(trainCmd)

	evalCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a trained model against a labeled window",
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath, _ := cmd.Flags().GetString("model")
			f, err := os.Open(modelPath)
			if err != nil {
				return err
			}
			m, err := mldata.LoadModel(f)
			f.Close()
			if err != nil {
				return err
			}

			rows, start, end, err := loadWindow(cmd)
			if err != nil {
				return err
			}
			if err := mldata.Check(rows, start, end).Err(); err != nil {
				return err
			}
			metrics, err := mldata.Evaluate(m, rows)
			if err != nil {
				return err
			}
			return withOutput(cmd, func(w io.Writer) error {
				return writeJSON(w, metrics)
			})
		},
	}
	windowFlags(evalCmd)
	evalCmd.Flags().String("model", "", "Path to the model artifact")
	evalCmd.MarkFlagRequired("model")
	cmd.AddCommand(evalCmd)

	tuneCmd := &cobra.Command{
		Use:   "tune",
		Short: "Grid-search hyperparameters over a labeled window",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, start, end, err := loadWindow(cmd)
			if err != nil {
				return err
			}
			if err := mldata.Check(rows, start, end).Err(); err != nil {
				return err
			}
			cfg, metrics, err := mldata.Tune(rows)
			if err != nil {
				return err
			}
			return withOutput(cmd, func(w io.Writer) error {
				return writeJSON(w, map[string]interface{}{
					"epochs":        cfg.Epochs,
					"learning_rate": cfg.LearningRate,
					"l2":            cfg.L2,
					"metrics":       metrics,
				})
			})
		},
	}
	windowFlags(tuneCmd)
	cmd.AddCommand(tuneCmd)

	return cmd
}
