package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/user/resumechat/internal/config"
	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/retry"
	"github.com/user/resumechat/internal/state"
	"github.com/user/resumechat/internal/types"
	"github.com/user/resumechat/pkg/backend"
	"github.com/user/resumechat/pkg/backend/rest"
)

// stack is everything a command needs to talk to conversations.
type stack struct {
	cfg     *config.Config
	store   *conversation.Store
	tokens  *state.TokenStore
	reports *state.ReportStore
	closers []func() error
}

func (s *stack) Close() {
	s.store.Close()
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			slog.Warn("close", "error", err)
		}
	}
}

func tokenStore(cfg *config.Config) *state.TokenStore {
	return state.NewTokenStore(filepath.Join(cfg.DataDir, "token"))
}

func jobStore(cfg *config.Config) *state.JobStore {
	return state.NewJobStore(filepath.Join(cfg.DataDir, "jobs.json"))
}

// openCache picks the message cache driver named in the config.
func openCache(cfg *config.Config) (types.MessageCache, func() error, error) {
	switch cfg.Cache.Driver {
	case config.CacheSQLite:
		c, err := state.NewSQLiteCache(filepath.Join(cfg.DataDir, "cache.db"), cfg.Cache.MaxMessages)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case config.CacheFile, "":
		return state.NewFileCache(cfg.DataDir, cfg.Cache.MaxMessages), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}

func newStack(cfg *config.Config) (*stack, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	cache, closeCache, err := openCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	tokens := tokenStore(cfg)
	client := rest.New(&backend.Config{
		BaseURL:   cfg.Backend.BaseURL,
		Token:     cfg.Backend.Token,
		Timeout:   cfg.BackendTimeout(),
		RateLimit: cfg.Backend.RateLimit,
	},
		rest.WithTokenSource(func() string {
			if cfg.Backend.Token != "" {
				return cfg.Backend.Token
			}
			token, err := tokens.Token()
			if err != nil {
				slog.Warn("read token", "error", err)
			}
			return token
		}),
		rest.WithUnauthorizedHook(func() {
			slog.Warn("backend rejected the token, clearing it")
			if err := tokens.Clear(); err != nil {
				slog.Warn("clear token", "error", err)
			}
		}),
	)

	store := conversation.New(client, cache,
		conversation.WithIndex(state.NewConversationIndex(cfg.DataDir)),
		conversation.WithReconciler(reconcile.New(reconcile.WithTimeout(cfg.ChatTimeout()))),
		conversation.WithRetryPolicy(&retry.Policy{
			MaxAttempts:  cfg.Chat.RetryAttempts,
			InitialDelay: cfg.RetryDelay(),
			Backoff:      retry.Linear,
			MaxDelay:     30 * cfg.RetryDelay(),
		}),
	)

	s := &stack{
		cfg:     cfg,
		store:   store,
		tokens:  tokens,
		reports: state.NewReportStore(cfg.DataDir),
	}
	if closeCache != nil {
		s.closers = append(s.closers, closeCache)
	}
	return s, nil
}

// openStack loads the config and builds the stack, for one-shot commands.
func openStack() (*stack, error) {
	return newStack(loadConfig())
}
