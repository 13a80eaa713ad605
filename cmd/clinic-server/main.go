package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pediclinic/clinic/internal/config"
	"github.com/pediclinic/clinic/internal/domain/clinic"
	"github.com/pediclinic/clinic/internal/domain/patientid"
	"github.com/pediclinic/clinic/internal/platform/auth"
	"github.com/pediclinic/clinic/internal/platform/db"
	"github.com/pediclinic/clinic/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinic-server",
		Short:         "Pediatric clinic patient registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(patientIDCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

// openPool loads configuration and connects for the one-shot commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: 4,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationSource returns the embedded migrations unless dir overrides them.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
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
			to, _ := cmd.Flags().GetInt("to")

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, to)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			printSuccess(cmd.OutOrStdout(), "Applied %d migration(s)\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Directory of .sql migrations (defaults to the embedded set)")
	upCmd.Flags().Int("to", 0, "Stop after this version")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Directory of .sql migrations (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			subdomain, _ := cmd.Flags().GetString("subdomain")
			name, _ := cmd.Flags().GetString("name")
			if subdomain == "" || name == "" {
				return fmt.Errorf("--subdomain and --name are required")
			}

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			c := &clinic.Clinic{Subdomain: subdomain, Name: name}
			if err := clinic.NewService(clinic.NewRepo(pool)).CreateClinic(ctx, c); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Created clinic %s (%s), patient IDs start with %s\n",
				c.Subdomain, c.ID, c.Identity().Initials())
			return nil
		},
	}
	createCmd.Flags().String("subdomain", "", "Tenant subdomain, e.g. happykids")
	createCmd.Flags().String("name", "", "Display name the patient ID initials are taken from")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List clinics",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			clinics, total, err := clinic.NewService(clinic.NewRepo(pool)).ListClinics(ctx, limit, offset)
			if err != nil {
				return err
			}
			printClinics(cmd.OutOrStdout(), clinics, total)
			return nil
		},
	}
	listCmd.Flags().Int("limit", 50, "Maximum clinics to show")
	listCmd.Flags().Int("offset", 0, "Clinics to skip")
	cmd.AddCommand(listCmd)

	return cmd
}

func patientIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient-id",
		Short: "Inspect patient identifiers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <value>...",
		Short: "Check identifiers against the monotonic and daily formats",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateIdentifiers(cmd.OutOrStdout(), args)
		},
	})

	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Preview the identifier the next registration would receive",
		RunE: func(cmd *cobra.Command, args []string) error {
			subdomain, _ := cmd.Flags().GetString("clinic")
			policyName, _ := cmd.Flags().GetString("policy")
			if subdomain == "" {
				return fmt.Errorf("--clinic is required")
			}

			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if policyName == "" {
				policyName = cfg.PatientIDPolicy
			}
			policy, err := patientid.ParsePolicy(policyName)
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			cl, err := clinic.NewService(clinic.NewRepo(pool)).GetBySubdomain(ctx, subdomain)
			if errors.Is(err, clinic.ErrNotFound) {
				return fmt.Errorf("clinic %q not found", subdomain)
			}
			if err != nil {
				return err
			}

			// The store sequence would consume a number, so the preview
			// always scans.
			alloc := patientid.NewAllocator(patientid.NewStorePG(pool), patientid.Config{
				MaxRetries:  1,
				StrictParse: cfg.PatientIDStrictParse,
				Location:    loc,
			})
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			a, err := alloc.Allocate(ctx, cl.Identity(), policy)
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s (%s, not reserved)\n", a.Identifier.Value, policy)
			return nil
		},
	}
	nextCmd.Flags().String("clinic", "", "Clinic subdomain")
	nextCmd.Flags().String("policy", "", "monotonic or daily (defaults to PATIENT_ID_POLICY)")
	cmd.AddCommand(nextCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a staff bearer token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("clinic")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" || tenant == "" {
				return fmt.Errorf("--subject and --clinic are required")
			}
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid clinic subdomain %q", tenant)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			key, err := signingKey(cfg.AuthSigningKey)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: key,
			}, subject, tenant, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Staff user id")
	cmd.Flags().String("clinic", "", "Clinic subdomain the token is bound to")
	cmd.Flags().StringSlice("roles", []string{auth.RoleReceptionist}, "Comma-separated roles")
	cmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")
	return cmd
}
