package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"visionpilot/internal/action"
	"visionpilot/internal/browser"
	"visionpilot/internal/netwatch"
	"visionpilot/internal/snapshot"
)

// Outcome is the three-state result of executing one action.
type Outcome int

const (
	// Done means the action completed; the instruction is finished.
	Done Outcome = iota
	// Retry means this attempt failed but another perception pass may fix it.
	Retry
	// Fatal means the instruction failed for good.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// UnrecognizedActionError means the action was outside the known kinds or
// missing required fields.
type UnrecognizedActionError struct {
	Reason string
}

func (e *UnrecognizedActionError) Error() string {
	return "unrecognized action: " + e.Reason
}

// AssertionError means an expectation action declared the check false.
type AssertionError struct {
	Comment string
}

func (e *AssertionError) Error() string {
	if e.Comment == "" {
		return "expectation failed"
	}
	return "expectation failed: " + e.Comment
}

// Options are the execution timing knobs.
type Options struct {
	QuiescenceWait time.Duration
	PointerHold    time.Duration
	TypeDelayMin   time.Duration
	TypeDelayMax   time.Duration
}

// Executor resolves an action's target point against the captured tiles and
// dispatches the primitive on the live page.
type Executor struct {
	ctrl    browser.Controller
	tracker *netwatch.Tracker
	opts    Options
	logger  zerolog.Logger
}

func New(ctrl browser.Controller, tracker *netwatch.Tracker, opts Options, logger zerolog.Logger) *Executor {
	return &Executor{ctrl: ctrl, tracker: tracker, opts: opts, logger: logger}
}

type point struct {
	x, y float64
}

// Execute runs one action. canRetry selects between Retry and Fatal when the
// attempt fails in a recoverable way.
func (e *Executor) Execute(ctx context.Context, act action.Action, tiles []snapshot.Tile, canRetry bool) (Outcome, error) {
	switch a := act.(type) {
	case action.Navigate:
		if a.URL == "" {
			return e.recoverable(canRetry, &UnrecognizedActionError{Reason: "navigate without url"})
		}
		// Navigation needs no target resolution.
		if err := e.ctrl.Navigate(ctx, a.URL); err != nil {
			return e.recoverable(canRetry, fmt.Errorf("navigate %s: %w", a.URL, err))
		}
		e.settle(ctx)
		e.logger.Info().Str("url", a.URL).Msg("navigated")
		return Done, nil

	case action.Click:
		pt, restore, err := e.resolveTarget(ctx, a.Target, tiles)
		if err != nil {
			return e.recoverable(canRetry, err)
		}
		defer restore()
		e.point(ctx, pt)
		if err := e.ctrl.ClickAt(ctx, pt.x, pt.y); err != nil {
			return e.recoverable(canRetry, fmt.Errorf("click: %w", err))
		}
		e.settle(ctx)
		e.logger.Info().Float64("x", pt.x).Float64("y", pt.y).Msg("clicked")
		return Done, nil

	case action.Type:
		if a.Text == "" {
			return e.recoverable(canRetry, &UnrecognizedActionError{Reason: "type without text"})
		}
		pt, restore, err := e.resolveTarget(ctx, a.Target, tiles)
		if err != nil {
			return e.recoverable(canRetry, err)
		}
		defer restore()
		e.point(ctx, pt)
		// Click first so the text lands in a focused field.
		if err := e.ctrl.ClickAt(ctx, pt.x, pt.y); err != nil {
			return e.recoverable(canRetry, fmt.Errorf("focus click: %w", err))
		}
		if err := e.ctrl.TypeText(ctx, a.Text, e.opts.TypeDelayMin, e.opts.TypeDelayMax); err != nil {
			return e.recoverable(canRetry, fmt.Errorf("type: %w", err))
		}
		e.settle(ctx)
		e.logger.Info().Int("chars", len(a.Text)).Msg("typed")
		return Done, nil

	case action.Expectation:
		if a.Result {
			e.logger.Info().Str("comment", a.Comment).Msg("expectation holds")
			return Done, nil
		}
		return e.recoverable(canRetry, &AssertionError{Comment: a.Comment})

	case action.Unknown:
		return e.recoverable(canRetry, &UnrecognizedActionError{Reason: a.Comment})

	case nil:
		return e.recoverable(canRetry, &UnrecognizedActionError{Reason: "no action extracted"})

	default:
		return e.recoverable(canRetry, &UnrecognizedActionError{Reason: fmt.Sprintf("kind %T", act)})
	}
}

// resolveTarget turns a locator into exactly one viewport point. The viewport
// is grown to the tile height when the runtime one is shorter, then the page
// is scrolled to the named tile's offset, so on-screen coordinates match what
// the model observed even in the lower part of a tile. The returned restore
// func puts the viewport back and must run once the dispatch is over.
func (e *Executor) resolveTarget(ctx context.Context, t action.Target, tiles []snapshot.Tile) (point, func(), error) {
	noop := func() {}
	if len(tiles) == 0 {
		return point{}, noop, &UnrecognizedActionError{Reason: "no tiles to resolve against"}
	}
	idx := t.Tile
	if idx < 1 || idx > len(tiles) {
		return point{}, noop, &UnrecognizedActionError{Reason: fmt.Sprintf("tile %d out of range 1..%d", idx, len(tiles))}
	}
	tile := tiles[idx-1]

	restore := noop
	if tile.Height > 0 {
		vw, vh, err := e.ctrl.ViewportSize(ctx)
		if err != nil {
			return point{}, noop, fmt.Errorf("read viewport: %w", err)
		}
		if vh < tile.Height {
			if err := e.ctrl.SetViewportSize(ctx, vw, tile.Height); err != nil {
				return point{}, noop, fmt.Errorf("grow viewport to tile height %d: %w", tile.Height, err)
			}
			restore = func() {
				if err := e.ctrl.SetViewportSize(ctx, vw, vh); err != nil {
					e.logger.Warn().Err(err).Msg("viewport restore failed")
				}
			}
		}
	}

	if err := e.ctrl.ScrollTo(ctx, tile.Offset); err != nil {
		restore()
		return point{}, noop, fmt.Errorf("scroll to tile %d offset %d: %w", idx, tile.Offset, err)
	}

	if t.Tagged() {
		x, y, err := e.ctrl.ElementCenter(ctx, t.ElementID)
		if err != nil {
			restore()
			return point{}, noop, fmt.Errorf("resolve tagged element %q: %w", t.ElementID, err)
		}
		return point{x: x, y: y}, restore, nil
	}
	return point{x: float64(t.X), y: float64(t.Y)}, restore, nil
}

// point flashes a transient marker at the resolved point. Purely visual;
// failures only get logged.
func (e *Executor) point(ctx context.Context, pt point) {
	if err := e.ctrl.ShowPointer(ctx, pt.x, pt.y); err != nil {
		e.logger.Debug().Err(err).Msg("pointer marker failed")
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.opts.PointerHold):
	}
	if err := e.ctrl.HidePointer(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("pointer marker removal failed")
	}
}

// settle waits for network quiescence after a dispatch. A stall is broken by
// aborting everything in flight; it is never surfaced to the caller.
func (e *Executor) settle(ctx context.Context) {
	if e.tracker.Quiesce(ctx, e.opts.QuiescenceWait) {
		return
	}
	e.logger.Warn().
		Dur("waited", e.opts.QuiescenceWait).
		Int("inflight", e.tracker.InFlight()).
		Msg("network stall, aborting in-flight requests")
	if err := e.tracker.AbortAll(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("abort all failed")
	}
}

func (e *Executor) recoverable(canRetry bool, err error) (Outcome, error) {
	if canRetry {
		e.logger.Warn().Err(err).Msg("attempt failed, retry requested")
		return Retry, nil
	}
	return Fatal, err
}
