package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"launchline/internal/app"
	"launchline/internal/config"
	"launchline/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "launchline",
	Short: "launchline CLI",
	Long: `launchline tracks whether a project is ready to publish and deliver.
- Catalog: checklist templates and the gates (published, delivered) that require them.
- Project: a client project with one checklist instance per assigned template.
- Sync: every checklist is mirrored as a task in the remote tracker; completion flows back by webhook.
- Gates: project status is re-derived from checklist completion after every change.
- Event log: diary of changes, view with 'launchline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/launchline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor recorded on events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(gatesCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(integrationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if addr != "" {
					svc.Config.Server.Addr = addr
				}
				if basePath != "" {
					svc.Config.Server.BasePath = basePath
				}
				handler, err := svc.Handler()
				if err != nil {
					return err
				}
				workerCtx, stopWorker := context.WithCancel(context.Background())
				svc.Ingestor.Start(workerCtx)

				srv := &http.Server{Addr: svc.Config.Server.Addr, Handler: handler}
				go func() {
					<-ctx.Done()
					svc.Logger.Info("shutting down server")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						svc.Logger.Error("server shutdown error", "error", err)
					}
				}()
				svc.Logger.Info("serving launchline API", "addr", srv.Addr, "base_path", svc.Config.Server.BasePath, "docs", "/docs")
				err = srv.ListenAndServe()
				stopWorker()
				<-svc.Ingestor.Done()
				svc.Logger.Info("server stopped", "webhook", svc.Ingestor.Stats())
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	svc, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	if _, err := svc.EnsureCatalog(ctx); err != nil {
		return err
	}
	return fn(ctx, svc)
}

func actorID() string {
	if id := strings.TrimSpace(viper.GetString("actor-id")); id != "" {
		return id
	}
	return "cli"
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSONOrTable(v any) error {
	if jsonOutput() {
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

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
