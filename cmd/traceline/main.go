package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"traceline/internal/app"
	"traceline/internal/config"
	"traceline/internal/coordinator"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/ledger"
	"traceline/internal/repo"
	"traceline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "traceline",
	Short: "Traceline CLI",
	Long: `Traceline tracks produce batches and their inspections with the ledger as
the source of truth. Every state change is written to the blockchain first;
a local SQLite mirror answers queries and is reconciled with 'traceline sync'.
Core concepts:
- Batch: a lot of produce registered by a producer; moves pending -> inspected -> approved/rejected.
- Inspection: an inspector's verdict on a batch (passed, failed, needs_recheck).
- Mirror: the local queryable copy; it never holds a row the ledger did not confirm.
- Sync: replays the ledger into the mirror so the two converge.`,
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
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("identity", "", "ledger signing identity (overrides config)")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("identity", rootCmd.PersistentFlags().Lookup("identity"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(inspectionCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default traceline.yml and create the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{
		Use:   "batch",
		Short: "Manage batches",
		Long:  "Batches are registered on the ledger first and mirrored locally. Status moves pending -> inspected -> approved/rejected; approval and rejection come from inspections.",
	}
	batch.AddCommand(batchCreateCmd())
	batch.AddCommand(batchListCmd())
	batch.AddCommand(batchShowCmd())
	batch.AddCommand(batchStatusCmd())
	batch.AddCommand(batchLedgerCmd())
	return batch
}

func batchCreateCmd() *cobra.Command {
	var meta domain.BatchMetadata
	var totalWeightKg int
	var ownerID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a batch on the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("total-weight-kg") {
				meta.TotalWeightKg = &totalWeightKg
			}
			if ownerID == "" {
				ownerID = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, warnings, err := rt.Coordinator.CreateBatch(ctx, meta, ownerID)
				if err != nil {
					var gap *coordinator.MirrorPersistenceError
					if errors.As(err, &gap) {
						fmt.Fprintf(os.Stderr, "warning: ledger confirmed %s but the mirror write failed; run 'traceline sync' to reconcile\n", derefTx(b.LedgerTx))
						return printJSONOrIndent(b)
					}
					return err
				}
				for _, w := range warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrIndent(b)
			})
		},
	}
	cmd.Flags().StringVar(&meta.BatchNumber, "batch-number", "", "batch number (generated if omitted)")
	cmd.Flags().StringVar(&meta.ProductName, "product", "", "product name")
	cmd.Flags().StringVar(&meta.Origin, "origin", "", "origin")
	cmd.Flags().StringVar(&meta.Quantity, "quantity", "", "quantity (number, e.g. \"500\")")
	cmd.Flags().StringVar(&meta.Unit, "unit", "", "unit (kg, tons, boxes, ...)")
	cmd.Flags().IntVar(&totalWeightKg, "total-weight-kg", 0, "total weight in kg")
	cmd.Flags().StringVar(&meta.HarvestDate, "harvest-date", "", "harvest date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&meta.ExpiryDate, "expiry-date", "", "expiry date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&meta.Organic, "organic", false, "organic produce")
	cmd.Flags().BoolVar(&meta.Import, "import", false, "imported produce")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner identity id (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("origin")
	_ = cmd.MarkFlagRequired("quantity")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func batchListCmd() *cobra.Command {
	var f repo.BatchFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mirrored batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				batches, err := rt.Repo.ListBatches(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(batches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Batch", "Product", "Origin", "Qty", "Status", "Ledger ID"})
				for _, b := range batches {
					ledgerID := ""
					if b.LedgerID != nil {
						ledgerID = fmt.Sprint(*b.LedgerID)
					}
					tw.AppendRow(table.Row{b.BatchNumber, b.ProductName, b.Origin, b.Quantity + " " + b.Unit, b.Status, ledgerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func batchShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <batch-number>",
		Short: "Show a mirrored batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Repo.GetBatchByNumber(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(b)
			})
		},
	}
	return cmd
}

func batchStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <batch-number>",
		Short: "Update batch status (ledger first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Coordinator.UpdateBatchStatus(ctx, args[0], domain.BatchStatus(status), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(b)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (pending, inspected, approved, rejected)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func batchLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger <batch-number>",
		Short: "Show the batch as the ledger records it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Coordinator.LedgerBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(rec)
			})
		},
	}
	return cmd
}

func inspectionCmd() *cobra.Command {
	insp := &cobra.Command{
		Use:   "inspection",
		Short: "Manage inspections",
		Long:  "Inspections write two ledger phases: the record itself, then the terminal result. A needs_recheck verdict leaves the ledger result open until a follow-up completes it.",
	}
	insp.AddCommand(inspectionSubmitCmd())
	insp.AddCommand(inspectionCompleteCmd())
	insp.AddCommand(inspectionListCmd())
	return insp
}

func inspectionSubmitCmd() *cobra.Command {
	var opts coordinator.InspectionOptions
	var result string
	cmd := &cobra.Command{
		Use:   "submit <batch-number>",
		Short: "Record an inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BatchNumber = args[0]
			opts.Result = domain.InspectionResult(result)
			if opts.InspectorID == "" {
				opts.InspectorID = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Coordinator.SubmitInspection(ctx, opts)
				if err != nil {
					var partial *coordinator.PartialFailureError
					if errors.As(err, &partial) {
						return fmt.Errorf("%w\nretry with: traceline inspection complete %s --ledger-inspection-id %d --result %s",
							err, opts.BatchNumber, partial.LedgerInspectionID, result)
					}
					return err
				}
				return printJSONOrIndent(out)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "result (passed, failed, needs_recheck)")
	cmd.Flags().StringVar(&opts.InspectorID, "inspector-id", "", "inspector identity id (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.FileURL, "file-url", "", "inspection report URL")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&opts.InspDate, "date", "", "inspection date (YYYY-MM-DD, defaults to today)")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func inspectionCompleteCmd() *cobra.Command {
	var opts coordinator.CompleteOptions
	var result string
	cmd := &cobra.Command{
		Use:   "complete <batch-number>",
		Short: "Complete an open inspection with a terminal result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BatchNumber = args[0]
			opts.Result = domain.InspectionResult(result)
			if opts.InspectorID == "" {
				opts.InspectorID = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Coordinator.CompleteInspection(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(out)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "result (passed or failed)")
	cmd.Flags().Int64Var(&opts.LedgerInspectionID, "ledger-inspection-id", 0, "ledger inspection id to complete")
	cmd.Flags().StringVar(&opts.InspectorID, "inspector-id", "", "inspector identity id (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.FileURL, "file-url", "", "inspection report URL")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("result")
	_ = cmd.MarkFlagRequired("ledger-inspection-id")
	return cmd
}

func inspectionListCmd() *cobra.Command {
	var f repo.InspectionFilters
	var batchNumber string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mirrored inspections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if batchNumber != "" {
					b, err := rt.Repo.GetBatchByNumber(ctx, batchNumber)
					if err != nil {
						return err
					}
					f.BatchID = b.ID
				}
				items, err := rt.Repo.ListInspections(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Batch", "Inspector", "Result", "Date"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.BatchID, i.InspectorID, i.Result, i.InspDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchNumber, "batch-number", "", "filter by batch number")
	cmd.Flags().StringVar(&f.InspectorID, "inspector-id", "", "inspector filter")
	cmd.Flags().StringVar(&f.Result, "result", "", "result filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func identityCmd() *cobra.Command {
	id := &cobra.Command{
		Use:   "identity",
		Short: "Manage identities",
	}
	id.AddCommand(identityAddCmd())
	id.AddCommand(identityListCmd())
	return id
}

func identityAddCmd() *cobra.Command {
	var ident domain.Identity
	var password string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an identity for API login",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ident.Role != domain.RoleProducer && ident.Role != domain.RoleInspector {
				return fmt.Errorf("--role must be producer or inspector")
			}
			hash, err := server.HashPassword(password)
			if err != nil {
				return err
			}
			if ident.ID == "" {
				ident.ID = uuid.NewString()
			}
			ident.PasswordHash = hash
			ident.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Repo.InsertIdentity(ctx, ident); err != nil {
					return err
				}
				return printJSONOrIndent(ident)
			})
		},
	}
	cmd.Flags().StringVar(&ident.ID, "id", "", "identity id (generated if omitted)")
	cmd.Flags().StringVar(&ident.Email, "email", "", "login email")
	cmd.Flags().StringVar(&password, "password", "", "login password")
	cmd.Flags().StringVar(&ident.Role, "role", "", "role (producer or inspector)")
	cmd.Flags().StringVar(&ident.Wallet, "wallet", "", "ledger wallet address")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func identityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListIdentities(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Role", "Wallet", "Synthetic"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.Email, i.Role, i.Wallet, i.Synthetic})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay the ledger into the local mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Syncer.RunFull(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "Created", "Updated", "Unchanged", "Skipped", "Failed"})
				tw.AppendRow(table.Row{"Batches", report.BatchesCreated, report.BatchesUpdated, report.BatchesUnchanged, report.BatchesSkipped, report.BatchesFailed})
				tw.AppendRow(table.Row{"Inspections", report.InspectionsCreated, report.InspectionsUpdated, report.InspectionsUnchanged, report.InspectionsSkipped, report.InspectionsFailed})
				tw.Render()
				if report.IdentitiesCreated > 0 {
					fmt.Printf("Synthetic identities created: %d\n", report.IdentitiesCreated)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Coordinator.Events.Tail(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				secret := os.Getenv("TRACELINE_JWT_SECRET")
				if secret == "" {
					secret = rt.Config.Server.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("a JWT secret is required: set TRACELINE_JWT_SECRET or server.jwt_secret")
				}
				handler, err := server.New(server.Config{
					Coordinator: rt.Coordinator,
					Syncer:      rt.Syncer,
					BasePath:    basePath,
					Auth:        server.AuthConfig{JWTSecret: secret, Log: rt.Log},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if viper.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("identity"), nil, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	err = fn(ctx, rt)
	var timeout *ledger.TimeoutError
	if errors.As(err, &timeout) {
		return fmt.Errorf("%w\nthe transaction may still confirm; run 'traceline sync' later to pick it up", err)
	}
	return err
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func derefTx(tx *string) string {
	if tx == nil {
		return "the transaction"
	}
	return *tx
}
