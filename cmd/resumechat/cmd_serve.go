package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/resumechat/internal/api"
	"github.com/user/resumechat/internal/delivery"
	"github.com/user/resumechat/internal/dispatch"
	"github.com/user/resumechat/internal/scheduler"
	"github.com/user/resumechat/internal/telegram"
)

const pidFile = "resumechat.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: scheduled sync, Telegram and the local HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	s, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.store.ListConversations(ctx); err != nil {
		slog.Warn("initial sync failed, starting from the local index", "error", err)
	}

	d := dispatch.New(s.store, int64(cfg.MaxConcurrent))
	d.Start(ctx)
	defer d.Stop()

	slog.Info("resumechat started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"base_url", cfg.Backend.BaseURL,
		"cache", cfg.Cache.Driver,
		"chat_timeout", cfg.ChatTimeout(),
		"pid_file", pidPath,
	)

	deliveryReg := delivery.NewRegistry()

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, s.store, d,
			telegram.WithReports(s.reports),
			telegram.WithAgentDefault(cfg.Chat.UseAgent),
		)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")

		deliveryReg.Register("telegram", adapter.Deliver)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	jobs := jobStore(cfg)
	sched := scheduler.New(jobs, scheduler.Runner(ctx, s.store, d, deliveryReg),
		scheduler.WithSyncSchedule(cfg.Sync.Schedule))
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "entries", sched.Entries())

	if cfg.HTTP.Enabled {
		apiSrv := api.NewServer(s.store, d,
			api.WithReports(s.reports),
			api.WithJobs(jobs),
			api.WithAgentDefault(cfg.Chat.UseAgent),
		)
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           apiSrv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http api started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http api error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			// Exec replaces the process, so deferred cleanup never runs.
			s.Close()
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				return err
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
