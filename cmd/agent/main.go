package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"visionpilot/internal/agent"
	"visionpilot/internal/browser"
	"visionpilot/internal/cache"
	"visionpilot/internal/config"
	"visionpilot/internal/executor"
	"visionpilot/internal/llm"
	"visionpilot/internal/netwatch"
	"visionpilot/internal/perception"
	"visionpilot/internal/snapshot"
)

type cliOptions struct {
	script      string
	instruction string
	storage     string
	saveState   string
}

func main() {
	opts := parseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	lines, err := loadInstructions(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("load instructions")
	}
	if len(lines) == 0 {
		log.Fatal().Msg("nothing to do: pass -script or -instruction")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("llm init")
	}
	log.Info().Str("model", llmClient.Name()).Msg("llm ready")

	// Browser work lives in run so the deferred browser shutdown executes on
	// every path; os.Exit here would leave driver processes behind.
	if err := run(ctx, cfg, opts, lines, llmClient); err != nil {
		log.Error().Err(err).Msg("script aborted")
		os.Exit(1)
	}
	log.Info().Msg("script finished")
}

func run(ctx context.Context, cfg config.Config, opts cliOptions, lines []string, llmClient llm.Client) error {
	launcher, err := browser.NewLauncher(ctx, cfg.Headless)
	if err != nil {
		return fmt.Errorf("browser init: %w", err)
	}
	defer launcher.Close()

	ctrl, err := launcher.NewController(ctx, cfg.NavTimeout, opts.storage)
	if err != nil {
		return fmt.Errorf("browser controller: %w", err)
	}
	defer ctrl.Close(ctx)

	tracker, err := netwatch.New(cfg.Blocklist, log.With().Str("comp", "net").Logger())
	if err != nil {
		return fmt.Errorf("request tracker: %w", err)
	}
	if err := tracker.Attach(ctrl.Page()); err != nil {
		return fmt.Errorf("attach request tracker: %w", err)
	}

	store := cache.New(cfg.CacheDir, cfg.CacheEnabled, log.With().Str("comp", "cache").Logger())
	chunker := snapshot.NewChunker(ctrl, cfg.TileHeight, cfg.TileOverlap, cfg.SettleDelay, cfg.SnapshotDir, log.With().Str("comp", "snap").Logger())
	adapter := perception.NewAdapter(ctrl, chunker, store, llmClient, log.With().Str("comp", "percept").Logger())
	exec := executor.New(ctrl, tracker, executor.Options{
		QuiescenceWait: cfg.QuiescenceWait,
		PointerHold:    cfg.PointerHold,
		TypeDelayMin:   cfg.TypeDelayMin,
		TypeDelayMax:   cfg.TypeDelayMax,
	}, log.With().Str("comp", "exec").Logger())

	runner := agent.NewRunner(agent.Config{
		MaxAttempts:    cfg.MaxAttempts,
		RetriesEnabled: cfg.RetriesEnabled,
		RetryDelay:     cfg.RetryDelay,
	}, adapter, exec, store, log.With().Str("comp", "runner").Logger())

	if err := runner.RunScript(ctx, lines); err != nil {
		if cfg.KeepOpenOnError {
			log.Info().Msg("keeping browser open for inspection, Ctrl+C to exit")
			<-ctx.Done()
		}
		return err
	}

	if opts.saveState != "" {
		if err := ctrl.SaveState(ctx, opts.saveState); err != nil {
			log.Error().Err(err).Msg("save state")
		} else {
			log.Info().Str("path", opts.saveState).Msg("storage saved")
		}
	}
	return nil
}

func parseFlags() cliOptions {
	script := flag.String("script", "", "Path to instruction script, one instruction per line")
	instruction := flag.String("instruction", "", "Single instruction to run instead of a script")
	storage := flag.String("storage", "", "Path to Playwright storage state")
	save := flag.String("save-state", "", "Path to save updated storage state")
	flag.Parse()
	return cliOptions{
		script:      strings.TrimSpace(*script),
		instruction: strings.TrimSpace(*instruction),
		storage:     strings.TrimSpace(*storage),
		saveState:   strings.TrimSpace(*save),
	}
}

func loadInstructions(opts cliOptions) ([]string, error) {
	if opts.instruction != "" {
		return []string{opts.instruction}, nil
	}
	if opts.script == "" {
		return nil, nil
	}
	data, err := os.ReadFile(opts.script)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n"), nil
}
