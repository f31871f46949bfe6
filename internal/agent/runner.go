package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"visionpilot/internal/action"
	"visionpilot/internal/executor"
	"visionpilot/internal/perception"
	"visionpilot/internal/snapshot"
)

const (
	tagPrefix    = "tag:"
	locatePrefix = "locate:"
)

// Perceiver produces the raw LLM text for one instruction attempt.
type Perceiver interface {
	Perceive(ctx context.Context, instruction string, tagging bool) (perception.Result, error)
}

// ActionExecutor dispatches one parsed action against the page.
type ActionExecutor interface {
	Execute(ctx context.Context, act action.Action, tiles []snapshot.Tile, canRetry bool) (executor.Outcome, error)
}

// CacheInvalidator deletes a cached LLM response by key.
type CacheInvalidator interface {
	Remove(key string)
}

// Config bounds the perceive-parse-execute cycle.
type Config struct {
	MaxAttempts    int
	RetriesEnabled bool
	RetryDelay     time.Duration
}

// Runner executes script instructions one at a time, start to finish; nothing
// here runs concurrently.
type Runner struct {
	cfg       Config
	perceiver Perceiver
	exec      ActionExecutor
	cache     CacheInvalidator
	logger    zerolog.Logger
}

func NewRunner(cfg Config, perceiver Perceiver, exec ActionExecutor, cache CacheInvalidator, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		perceiver: perceiver,
		exec:      exec,
		cache:     cache,
		logger:    logger,
	}
}

// RunScript runs one instruction per line. Blank lines and '#' comments are
// skipped. The first fatal error aborts the remaining lines.
func (r *Runner) RunScript(ctx context.Context, lines []string) error {
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r.logger.Info().Int("line", i+1).Str("instruction", line).Msg("instruction start")
		if err := r.RunInstruction(ctx, line); err != nil {
			return fmt.Errorf("line %d (%q): %w", i+1, line, err)
		}
		r.logger.Info().Int("line", i+1).Msg("instruction done")
	}
	return nil
}

// RunInstruction runs one instruction line to completion: strip the
// addressing-mode prefix, substitute template tokens, then loop
// perceive-parse-execute within the attempt bound. A retry deletes the cache
// entry that produced the bad action so the next attempt queries fresh.
func (r *Runner) RunInstruction(ctx context.Context, line string) error {
	tagging, instruction := SplitMode(line)
	instruction = SubstituteTokens(instruction, time.Now())

	attempts := 1
	if r.cfg.RetriesEnabled {
		attempts = r.cfg.MaxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := r.perceiver.Perceive(ctx, instruction, tagging)
		if err != nil {
			return fmt.Errorf("perceive: %w", err)
		}

		act, parseErr := action.Parse(res.Text)
		if parseErr != nil {
			// No JSON at all degrades to the unknown-action policy.
			r.logger.Warn().Err(parseErr).Msg("response not parseable")
			act = action.Unknown{Comment: parseErr.Error()}
		}

		canRetry := r.cfg.RetriesEnabled && attempt < attempts
		outcome, err := r.exec.Execute(ctx, act, res.Tiles, canRetry)
		switch outcome {
		case executor.Done:
			return nil
		case executor.Retry:
			r.logger.Warn().
				Int("attempt", attempt).
				Int("max_attempts", attempts).
				Msg("retrying instruction")
			// The cached answer produced this bad action; drop it so the
			// next attempt asks the model again.
			r.cache.Remove(res.CacheKey)
			sleepCtx(ctx, r.cfg.RetryDelay)
		case executor.Fatal:
			if err == nil {
				err = fmt.Errorf("execution failed")
			}
			return err
		}
	}
	return fmt.Errorf("no attempt succeeded after %d tries", attempts)
}

// SplitMode strips the addressing-mode prefix from an instruction line.
// "tag:" selects tagging mode; "locate:" (and no prefix) selects locating.
func SplitMode(line string) (tagging bool, instruction string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, tagPrefix):
		return true, strings.TrimSpace(trimmed[len(tagPrefix):])
	case strings.HasPrefix(trimmed, locatePrefix):
		return false, strings.TrimSpace(trimmed[len(locatePrefix):])
	default:
		return false, trimmed
	}
}

// SubstituteTokens resolves {date} and {time} in an instruction.
func SubstituteTokens(instruction string, now time.Time) string {
	r := strings.NewReplacer(
		"{date}", now.Format("2006-01-02"),
		"{time}", now.Format("15:04:05"),
	)
	return r.Replace(instruction)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
