package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zette-dev/kurocha/internal/bot"
	"github.com/zette-dev/kurocha/internal/config"
	"github.com/zette-dev/kurocha/internal/executor"
	"github.com/zette-dev/kurocha/internal/executor/claude"
	"github.com/zette-dev/kurocha/internal/logger"
	"github.com/zette-dev/kurocha/internal/server"
	"github.com/zette-dev/kurocha/internal/session"
	"github.com/zette-dev/kurocha/internal/workspace"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "kurocha",
	Short:        "Drive Claude Code from Telegram",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath)
	},
}

func init() {
	defaultPath := os.Getenv("KUROCHA_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to the YAML config file (env KUROCHA_CONFIG)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "kurocha: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	systemPrompt, err := loadSystemPrompt(cfg.Claude.SystemPromptPath)
	if err != nil {
		return err
	}

	ws := workspace.New(workspace.Config{
		Root:      cfg.Workspaces.Root,
		Default:   cfg.Workspaces.Default,
		StatePath: cfg.Workspaces.StatePath,
	}, log)
	warnings, err := ws.Initialize()
	if err != nil {
		return fmt.Errorf("initialize workspaces: %w", err)
	}

	exec := claude.New(claude.Config{
		Binary:    cfg.Claude.Binary,
		KillGrace: cfg.Claude.KillGrace,
		Env:       cfg.Claude.Env,
	}, ws, log)

	mgr := session.NewManager(session.NewHandler(exec, log), session.Config{
		Options: executor.Options{
			MCPConfigPath:   cfg.Claude.MCPConfigPath,
			SkipPermissions: cfg.Claude.SkipPermissions,
			Timeout:         cfg.Claude.Timeout,
		},
		SystemPrompt: systemPrompt,
	}, log)

	tg, err := bot.New(cfg.Telegram, cfg.Session.EditInterval, mgr, ws, log)
	if err != nil {
		return err
	}

	ws.OnSwitch(func(w workspace.Workspace) {
		log.Info("workspace changed, clearing session", zap.String("workspace", w.Name))
		mgr.ClearSession()
		tg.ClearPendingApprovals()
	})

	for _, w := range warnings {
		tg.Notify(ctx, w.String())
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Addr != "" {
		srv := server.New(cfg.Server.Addr, server.StatusFunc(func() server.Status {
			current := ws.Current()
			return server.Status{
				State:         mgr.State().String(),
				SessionID:     mgr.SessionID(),
				Workspace:     current.Name,
				WorkspacePath: current.Path,
			}
		}), log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		tg.Start(gctx)
		return nil
	})

	log.Info("kurocha started",
		zap.String("workspace", ws.Current().Name),
		zap.Int("allowed_users", len(cfg.Telegram.AllowedUserIDs)))

	err = g.Wait()
	log.Info("kurocha stopped")
	return err
}

func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
