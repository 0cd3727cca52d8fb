package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/migrate"
	"meterline/internal/repo"
	"meterline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Meterline CLI",
	Long: `Meterline orchestrates background compute jobs and meters their cost.
Jobs are routed to priority queues by type; simulations pass usage guards
(credits and legacy quotas) before they run, and identical requests are
served from the result cache without charge.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("METERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(simCmd())
	rootCmd.AddCommand(keyCmd())
}

func newLogger() *zap.Logger {
	log, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	log := newLogger()
	defer log.Sync()
	return fn(ctx, engine.New(conn, cfg, log))
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, conn)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func actorID() string {
	return viper.GetString("actor-id")
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			log := newLogger()
			defer log.Sync()
			e := engine.New(conn, cfg, log)
			secret := os.Getenv("METERLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("METERLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
					Logger:                 log,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving API", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				fmt.Println("schema up to date")
				return nil
			})
		},
	}
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage jobs"}
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobStatusCmd())
	cmd.AddCommand(jobCancelCmd())
	cmd.AddCommand(jobRequeueCmd())
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				jobs, total, err := e.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"jobs": jobs, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Queue", "Priority", "Progress", "Attempts"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.Queue, j.Priority,
						fmt.Sprintf("%d%%", j.Progress), fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts)})
				}
				tw.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OrgID, "org", "", "organization filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "job type filter")
	cmd.Flags().StringVar(&f.Queue, "queue", "", "queue filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func jobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.GetJobStatus(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.CancelJob(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				fmt.Printf("job %s: %s\n", j.ID, j.Status)
				return nil
			})
		},
	}
}

func jobRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Requeue a failed job (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.RequeueJob(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				fmt.Printf("job %s: %s (attempt %d)\n", j.ID, j.Status, j.Attempts)
				return nil
			})
		},
	}
}

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "org", Short: "Manage organizations"}
	cmd.AddCommand(orgCreateCmd())
	cmd.AddCommand(orgBalanceCmd())
	cmd.AddCommand(orgUsageCmd())
	cmd.AddCommand(orgQuotaCmd())
	cmd.AddCommand(orgGrantCmd())
	cmd.AddCommand(orgRoleCmd())
	cmd.AddCommand(orgReconcileCmd())
	return cmd
}

func orgCreateCmd() *cobra.Command {
	var id, name, tier string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			switch domain.Tier(tier) {
			case domain.TierFree, domain.TierPro, domain.TierEnterprise:
			default:
				return fmt.Errorf("unknown tier %q", tier)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				org := domain.Org{
					ID:        id,
					Name:      name,
					Tier:      domain.Tier(tier),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if org.Name == "" {
					org.Name = id
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertOrg(ctx, tx, org); err != nil {
					return err
				}
				// Creator becomes admin so grants and requeues work out
				// of the box.
				if err := e.Repo.AssignOrgRole(ctx, tx, id, actorID(), "admin"); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("organization %s created (%s)\n", id, org.Tier)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&tier, "tier", "free", "plan tier (free, pro, enterprise)")
	return cmd
}

func orgBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <org-id>",
		Short: "Show the credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.Credits.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func orgUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <org-id>",
		Short: "Usage records for the current period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, recs, err := e.Credits.GetUsageSummary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"balance": b, "records": recs})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Credits", "Category", "Description", "At"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.Credits, r.Category, r.Description, r.CreatedAt})
				}
				tw.Render()
				fmt.Printf("remaining: %d of %d credits\n", b.Remaining, b.Total)
				return nil
			})
		},
	}
}

func orgQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota <org-id>",
		Short: "Quota counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				qs, err := e.Quotas.List(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(qs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Resource", "Used", "Limit", "Resets"})
				for _, q := range qs {
					limit := fmt.Sprintf("%d", q.Limit)
					if q.Unlimited {
						limit = "unlimited"
					}
					tw.AppendRow(table.Row{q.Resource, q.Used, limit, q.ResetAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func orgGrantCmd() *cobra.Command {
	var credits int64
	var reason string
	cmd := &cobra.Command{
		Use:   "grant <org-id>",
		Short: "Grant credits (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if credits <= 0 {
				return fmt.Errorf("--credits must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Credits.AdminAddCredits(ctx, args[0], actorID(), credits, reason)
				if err != nil {
					return err
				}
				fmt.Printf("granted %d credits to %s (record %s)\n", credits, args[0], rec.ID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&credits, "credits", 0, "credits to grant")
	cmd.Flags().StringVar(&reason, "reason", "", "grant reason")
	return cmd
}

func orgRoleCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "role <org-id> <user-id>",
		Short: "Assign an organization role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.AssignOrgRole(ctx, tx, args[0], args[1], role); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("%s is now %s in %s\n", args[1], role, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "member", "role name (member, admin)")
	return cmd
}

func orgReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <org-id>",
		Short: "List unconfirmed guard consumptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actions, err := e.IncompleteGuardActions(ctx, args[0])
				if err != nil {
					return err
				}
				if len(actions) == 0 {
					fmt.Println("no unconfirmed guard actions")
					return nil
				}
				return printJSON(actions)
			})
		},
	}
}

func simCmd() *cobra.Command {
	var org, modelID, modelVersion, mode, paramsJSON string
	var units, seed int64
	var override bool
	cmd := &cobra.Command{
		Use:   "sim run",
		Short: "Run or fetch a simulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "run" {
				return fmt.Errorf("unknown subcommand %q", args[0])
			}
			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				out, err := e.RunSimulation(ctx, engine.SimulationRequest{
					OrgID:         org,
					UserID:        actorID(),
					ModelID:       modelID,
					ModelVersion:  modelVersion,
					Parameters:    params,
					Units:         units,
					Seed:          seed,
					Mode:          mode,
					AdminOverride: override,
				})
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&modelID, "model", "", "model id")
	cmd.Flags().StringVar(&modelVersion, "model-version", "", "model version")
	cmd.Flags().StringVar(&mode, "mode", "", "simulation mode")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "parameters as JSON object")
	cmd.Flags().Int64Var(&units, "units", 0, "raw simulation units")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	cmd.Flags().BoolVar(&override, "admin-override", false, "bypass the credit check")
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage API keys"}
	cmd.AddCommand(keyCreateCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "mlk_" + hex.EncodeToString(raw)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				fmt.Printf("api key created: %s\nstore it now; only its hash is kept\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "cli", "key label")
	return cmd
}
