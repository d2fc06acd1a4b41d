package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dueline/internal/app"
	"dueline/internal/config"
	"dueline/internal/engine"
	"dueline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the escalation sweeper and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				settings.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				settings.Server.BasePath = basePath
			}
			if settings.Server.JWTSecret == "" && !settings.Server.AllowActorHeader {
				return fmt.Errorf("server.jwt_secret (DUELINE_SERVER_JWT_SECRET) is required unless server.allow_actor_header is set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, app.Options{Dispatch: true}, func(ctx context.Context, a *app.App) error {
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func serve(ctx context.Context, a *app.App) error {
	s := a.Settings
	log := a.Log
	handler, err := server.New(server.Config{
		Engine:   a.Engine,
		BasePath: s.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:        s.Server.JWTSecret,
			AllowActorHeader: s.Server.AllowActorHeader,
			Logger:           log.Named("auth"),
		},
		Gatherer: a.Registry,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: s.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.Sweep.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw := engine.Sweeper{Engine: a.Engine, Interval: s.Sweep.Interval}
			if err := sw.Run(ctx); err != nil {
				log.Error("sweeper exited", zap.Error(err))
			}
		}()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving Dueline API",
		zap.String("addr", s.Server.Addr),
		zap.String("base_path", s.Server.BasePath),
		zap.Bool("sweep", s.Sweep.Enabled),
		zap.Duration("sweep_interval", s.Sweep.Interval))
	fmt.Printf("Serving Dueline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
		s.Server.Addr, s.Server.BasePath, s.Server.BasePath)
	err = srv.ListenAndServe()
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor (local testing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(settings.Server.JWTSecret, viper.GetString("actor"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Inspect escalation policies",
		Long:  "Policies set, per (kind, severity), the at-risk window, the escalation chain and the highest escalation level. They live in policies.yml in the workspace; built-in defaults apply when the file is absent.",
	}
	p.AddCommand(policyInitCmd())
	p.AddCommand(policyShowCmd())
	p.AddCommand(policyValidateCmd())
	return p
}

func policyInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default policies.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(settings.Workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadPolicies(settings)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Policies)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Kind", "Severity", "At risk", "Max level", "Cooldown", "Chain"})
			for _, p := range cfg.Policies {
				tw.AppendRow(table.Row{p.Kind, p.Severity.Label(), p.AtRiskWindow, p.MaxLevel, p.Cooldown, fmt.Sprint(p.EscalationChain)})
			}
			tw.Render()
			return nil
		},
	}
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadPolicies(settings)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("policies OK")
			return nil
		},
	}
}
