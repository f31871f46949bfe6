package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"visionpilot/internal/browser"
)

// Tile is one horizontal slice of a full-page capture. Ordinals are strictly
// increasing from 0; Offset is the slice's top edge in page coordinates and
// Height is the slice's pixel height (the tile height, except when a short
// page yields one shorter tile). Tiles are read-only once produced.
type Tile struct {
	Ordinal int
	Image   []byte // PNG
	Offset  int
	Height  int
}

// CaptureError means page geometry could not be read or rastered. It is
// fatal: the current instruction aborts.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capture: %s", e.Reason)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Chunker captures the full scrollable page as one raster and splits it into
// overlap-covering tiles.
type Chunker struct {
	ctrl        browser.Controller
	tileHeight  int
	overlap     int
	settleDelay time.Duration
	snapshotDir string
	logger      zerolog.Logger
}

func NewChunker(ctrl browser.Controller, tileHeight, overlap int, settle time.Duration, dir string, logger zerolog.Logger) *Chunker {
	return &Chunker{
		ctrl:        ctrl,
		tileHeight:  tileHeight,
		overlap:     overlap,
		settleDelay: settle,
		snapshotDir: dir,
		logger:      logger,
	}
}

// Capture rasters the whole page and returns its tiles plus the total
// scrollable height. The viewport is grown to the page height for a single
// contiguous screenshot and restored afterwards.
func (c *Chunker) Capture(ctx context.Context) ([]Tile, int, error) {
	pageW, pageH, err := c.ctrl.ScrollSize(ctx)
	if err != nil {
		return nil, 0, &CaptureError{Reason: "read page geometry", Err: err}
	}
	if pageW <= 0 || pageH <= 0 {
		return nil, 0, &CaptureError{Reason: fmt.Sprintf("degenerate page geometry %dx%d", pageW, pageH)}
	}
	viewW, viewH, err := c.ctrl.ViewportSize(ctx)
	if err != nil {
		return nil, 0, &CaptureError{Reason: "read viewport", Err: err}
	}

	if err := c.ctrl.SetViewportSize(ctx, pageW, pageH); err != nil {
		return nil, 0, &CaptureError{Reason: "grow viewport", Err: err}
	}
	restore := func() {
		if err := c.ctrl.SetViewportSize(ctx, viewW, viewH); err != nil {
			c.logger.Warn().Err(err).Msg("restore viewport failed")
		}
	}

	sleepCtx(ctx, c.settleDelay)
	raster, err := c.ctrl.CaptureViewport(ctx)
	sleepCtx(ctx, c.settleDelay)
	restore()
	if err != nil {
		return nil, 0, &CaptureError{Reason: "raster page", Err: err}
	}

	tiles, err := c.split(raster, pageH)
	if err != nil {
		return nil, 0, &CaptureError{Reason: "split raster", Err: err}
	}

	c.persist(raster, tiles)
	c.logger.Debug().
		Int("height", pageH).
		Int("width", pageW).
		Int("tiles", len(tiles)).
		Msg("page captured")
	return tiles, pageH, nil
}

func (c *Chunker) split(raster []byte, pageH int) ([]Tile, error) {
	img, err := png.Decode(bytes.NewReader(raster))
	if err != nil {
		return nil, fmt.Errorf("decode raster: %w", err)
	}
	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("raster image %T does not support cropping", img)
	}
	bounds := img.Bounds()

	offsets := planOffsets(pageH, c.tileHeight, c.overlap)
	tiles := make([]Tile, 0, len(offsets))
	for i, off := range offsets {
		top := bounds.Min.Y + off
		bottom := top + c.tileHeight
		if bottom > bounds.Max.Y {
			bottom = bounds.Max.Y
		}
		rect := image.Rect(bounds.Min.X, top, bounds.Max.X, bottom)
		var buf bytes.Buffer
		if err := png.Encode(&buf, sub.SubImage(rect)); err != nil {
			return nil, fmt.Errorf("encode tile %d: %w", i, err)
		}
		tiles = append(tiles, Tile{Ordinal: i, Image: buf.Bytes(), Offset: off, Height: bottom - top})
	}
	return tiles, nil
}

// persist writes the tiles and the full raster to the snapshot directory.
// Best effort: failures are logged, never surfaced.
func (c *Chunker) persist(raster []byte, tiles []Tile) {
	if c.snapshotDir == "" {
		return
	}
	if err := os.MkdirAll(c.snapshotDir, 0o755); err != nil {
		c.logger.Warn().Err(err).Msg("snapshot dir unavailable")
		return
	}
	stamp := time.Now().Format("20060102-150405")
	full := filepath.Join(c.snapshotDir, fmt.Sprintf("%s-full.png", stamp))
	if err := os.WriteFile(full, raster, 0o644); err != nil {
		c.logger.Warn().Err(err).Str("path", full).Msg("persist full raster failed")
	}
	for _, t := range tiles {
		name := fmt.Sprintf("%s-%d-%d.png", stamp, t.Ordinal, t.Offset)
		path := filepath.Join(c.snapshotDir, name)
		if err := os.WriteFile(path, t.Image, 0o644); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("persist tile failed")
		}
	}
}

// planOffsets computes tile top edges. One tile at 0 when the page fits in a
// single tile; otherwise fixed strides of (tileHeight-overlap) with the last
// tile snapped to the page bottom so its bottom edge lands on H exactly.
func planOffsets(pageH, tileH, overlap int) []int {
	if pageH <= tileH {
		return []int{0}
	}
	stride := tileH - overlap
	count := (pageH - overlap + stride - 1) / stride
	offsets := make([]int, count)
	for i := 0; i < count-1; i++ {
		offsets[i] = i * stride
	}
	last := pageH - tileH
	if last < 0 {
		last = 0
	}
	offsets[count-1] = last
	return offsets
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
