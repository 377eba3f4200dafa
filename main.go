package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"dataflow/api/pkg/config"
	"dataflow/api/pkg/db"
	"dataflow/api/services/flow"
)

func main() {
	cfg := config.Load()
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	slog.SetDefault(slog.New(logHandler))

	root := &cobra.Command{
		Use:           "dataflow",
		Short:         "Data flow execution runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(cfg), runCmd(cfg))

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the flow HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	pool, err := db.Connect(ctx, db.Config{
		URI:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DB.MaxConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	// Initialize database schema and seed data
	if err := flow.InitDB(ctx, pool); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	// setup router
	mainRouter := mux.NewRouter()

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	flowService, err := flow.NewService(pool, cfg.Flow)
	if err != nil {
		return fmt.Errorf("create flow service: %w", err)
	}

	flowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{cfg.CORSOrigin}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTPAddr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
	return nil
}

func runCmd(cfg *config.Config) *cobra.Command {
	var (
		flowPath string
		dataPath string
		input    string
		formID   string
		roleID   string
		params   map[string]string
		confirm  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a flow file against an in-memory store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the run result
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: cfg.LogLevel,
			})))

			f, err := os.Open(flowPath)
			if err != nil {
				return err
			}
			defer f.Close()
			def, err := flow.DecodeFlow(f)
			if err != nil {
				return err
			}

			store := flow.NewMemoryStore()
			if dataPath != "" {
				d, err := os.Open(dataPath)
				if err != nil {
					return err
				}
				defer d.Close()
				if err := flow.LoadSeed(d, store); err != nil {
					return err
				}
			}

			var payload any
			if input != "" {
				if err := json.Unmarshal([]byte(input), &payload); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}

			engine, err := flow.NewEngine(flow.NewRegistry(), store, store, flow.WithMaxSteps(cfg.Flow.MaxSteps))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Flow.RunTimeout)
			defer cancel()

			res, runErr := engine.ExecuteFlow(ctx, def, flow.RunInput{
				Payload:       payload,
				PayloadFormID: formID,
				Params:        params,
				RoleID:        roleID,
				UI:            flow.HeadlessUI{AutoConfirm: confirm},
			})
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&flowPath, "flow", "", "flow definition file (YAML or JSON)")
	cmd.Flags().StringVar(&dataPath, "data", "", "seed file with projects, pages and records")
	cmd.Flags().StringVar(&input, "input", "", "trigger payload as JSON")
	cmd.Flags().StringVar(&formID, "input-form", "", "form id of the payload")
	cmd.Flags().StringVar(&roleID, "role", "", "role used to resolve pages")
	cmd.Flags().StringToStringVar(&params, "param", nil, "URL parameters, key=value")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "answer yes to confirm prompts")
	_ = cmd.MarkFlagRequired("flow")
	return cmd
}
