package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailterm/internal/account"
	aiservice "github.com/nhle/mailterm/internal/ai"
	"github.com/nhle/mailterm/internal/app"
	"github.com/nhle/mailterm/internal/credential"
	"github.com/nhle/mailterm/internal/imap"
	"github.com/nhle/mailterm/internal/logging"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := model.LoadConfig(model.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Log)

	cachePath := cfg.Cache.Path
	if cachePath == "" {
		cachePath = model.DefaultCachePath()
	}
	st, err := store.NewSQLiteStore(cachePath)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := account.New(st, imap.KeyringDialer{}, cfg.Cache, log)
	coord.Start(ctx)
	defer coord.Wait()

	for _, acc := range cfg.Accounts {
		if err := coord.AddAccount(acc); err != nil {
			log.Error().Err(err).Str("account", acc.Email).Msg("adding account")
		}
	}

	summarizer := loadSummarizer(cfg)

	program := tea.NewProgram(
		app.New(cfg, st, coord, summarizer),
		tea.WithAltScreen(),
	)
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("running UI: %w", err)
	}
	return nil
}

// loadSummarizer builds the optional AI side channel. The API key
// comes from the environment or the system keyring; without one the
// summarizer stays disabled.
func loadSummarizer(cfg *model.AppConfig) *aiservice.Summarizer {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		apiKey, _ = credential.Get("claude-api-key")
	}
	return aiservice.New(apiKey, cfg.AI)
}
