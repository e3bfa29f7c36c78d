package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"casework/internal/app"
	"casework/internal/config"
	"casework/internal/db"
	"casework/internal/domain"
	"casework/internal/migrate"
	"casework/internal/server"
	"casework/internal/submit"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Casework CLI",
	Long: `Casework is a consistency-first case management core.
Every submission is one transaction: the case snapshot, its audit event and
any pending side effects commit together or not at all. Side effects reach
the outside world through polled outboxes, never from inside a transaction.`,
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
	viper.SetEnvPrefix("CASEWORK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/casework.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default casework.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(configPath())
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Inspect and mutate cases"}
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseHistoryCmd())
	c.AddCommand(caseSubmitCmd())
	return c
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <reference>",
		Short: "Show the current case snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				rec, err := a.Cases.GetByReference(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func caseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <reference>",
		Short: "List the audit events of a case, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				events, err := a.Audit.LoadHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Event", "State", "Version", "Revision", "User", "Created"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.EventID, e.StateID, e.Version, e.Revision, e.UserID, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func caseSubmitCmd() *cobra.Command {
	var (
		caseType, eventID, jurisdiction, state string
		data, dataFile, classification         string
		summary, description, idemKey          string
		expectedVersion                        int64
	)
	cmd := &cobra.Command{
		Use:   "submit <reference>",
		Short: "Submit an event against a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(data)
			if dataFile != "" {
				var err error
				if raw, err = os.ReadFile(dataFile); err != nil {
					return err
				}
			}
			if len(raw) > 0 && !json.Valid(raw) {
				return fmt.Errorf("--data must be valid JSON")
			}
			if idemKey == "" {
				idemKey = uuid.NewString()
			}
			var expected *int64
			if cmd.Flags().Changed("expected-version") {
				expected = &expectedVersion
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				resp, err := a.Coordinator.Submit(ctx, submit.Event{
					CaseReference:   args[0],
					CaseTypeID:      caseType,
					EventID:         eventID,
					Jurisdiction:    jurisdiction,
					State:           state,
					Data:            raw,
					Classification:  domain.SecurityClassification(classification),
					ExpectedVersion: expected,
					IdempotencyKey:  idemKey,
					User:            domain.User{ID: viper.GetString("actor-id")},
					Summary:         summary,
					Description:     description,
				})
				if err != nil {
					return err
				}
				if len(resp.Errors) > 0 {
					return fmt.Errorf("event rejected: %s", strings.Join(resp.Errors, "; "))
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "case-type", "", "case type id")
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction id")
	cmd.Flags().StringVar(&state, "state", "", "post state")
	cmd.Flags().StringVar(&data, "data", "", "case data as inline JSON")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read case data from file")
	cmd.Flags().StringVar(&classification, "classification", "", "PUBLIC, PRIVATE or RESTRICTED")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "reject when the stored version differs")
	cmd.Flags().StringVar(&summary, "summary", "", "event summary")
	cmd.Flags().StringVar(&description, "description", "", "event description")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key (generated when omitted)")
	_ = cmd.MarkFlagRequired("case-type")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func outboxCmd() *cobra.Command {
	c := &cobra.Command{Use: "outbox", Short: "Inspect and requeue task outbox records"}
	c.AddCommand(outboxListCmd())
	c.AddCommand(outboxRetryCmd())
	return c
}

func outboxListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				records, err := a.Outbox.List(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Action", "Status", "Attempts", "Next attempt", "Last error"})
				for _, r := range records {
					next, lastErr := "", ""
					if r.NextAttemptAt != nil {
						next = *r.NextAttemptAt
					}
					if r.LastError != nil {
						lastErr = *r.LastError
					}
					tw.AppendRow(table.Row{r.ID, r.CaseReference, r.Action, r.Status, r.AttemptCount, next, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (NEW, PROCESSING, PROCESSED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func outboxRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed outbox record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				if err := a.Outbox.Reset(ctx, id); err != nil {
					return err
				}
				rec, err := a.Outbox.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	c := &cobra.Command{Use: "messages", Short: "Manage published case event messages"}
	c.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete published messages past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				days := a.Config.Messaging.RetentionDays
				if days <= 0 {
					return fmt.Errorf("messaging.retention_days is not set")
				}
				cutoff := time.Now().UTC().AddDate(0, 0, -days)
				n, err := a.Messages.DeletePublishedBefore(ctx, a.Config.Messaging.MessageType, cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d published messages older than %d days\n", n, days)
				return nil
			})
		},
	})
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background dispatchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Coordinator: a.Coordinator,
					Cases:       a.Cases,
					Audit:       a.Audit,
					Outbox:      a.Outbox,
					BasePath:    basePath,
					Auth:        server.AuthConfig{AllowActorHeader: allowActorHeader},
				})
				if err != nil {
					return err
				}

				if a.Config.Outbox.BaseURL != "" {
					go a.NewPoller().Run(ctx)
				}
				if a.Config.Messaging.Destination != "" {
					go a.NewPublisher().Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Casework API on http://%s (OpenAPI at /openapi.json)\n", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-ID as caller identity")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(configPath())
	if err != nil {
		return err
	}
	reg, err := app.RegistryFromConfig(cfg)
	if err != nil {
		return err
	}
	return fn(ctx, app.New(conn, cfg, reg))
}

func configPath() string {
	if path := viper.GetString("config"); path != "" {
		return path
	}
	return filepath.Join(viper.GetString("workspace"), "casework.yml")
}

func printJSONOrTable(v any) error {
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
