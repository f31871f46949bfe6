package perception

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionpilot/internal/browser"
	"visionpilot/internal/cache"
	"visionpilot/internal/llm"
	"visionpilot/internal/snapshot"
)

// pageStub serves a synthetic page raster of a fixed height.
type pageStub struct {
	width, height int
	tagged        int
	tagCalls      int
	clearCalls    int
}

var _ browser.Controller = (*pageStub)(nil)

func (p *pageStub) Close(ctx context.Context) error               { return nil }
func (p *pageStub) Navigate(ctx context.Context, url string) error { return nil }

func (p *pageStub) ScrollSize(ctx context.Context) (int, int, error) {
	return p.width, p.height, nil
}

func (p *pageStub) ViewportSize(ctx context.Context) (int, int, error) { return p.width, 600, nil }
func (p *pageStub) SetViewportSize(ctx context.Context, w, h int) error {
	return nil
}

func (p *pageStub) CaptureViewport(ctx context.Context) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *pageStub) ScrollTo(ctx context.Context, y int) error          { return nil }
func (p *pageStub) ClickAt(ctx context.Context, x, y float64) error    { return nil }
func (p *pageStub) TypeText(ctx context.Context, text string, min, max time.Duration) error {
	return nil
}
func (p *pageStub) ShowPointer(ctx context.Context, x, y float64) error { return nil }
func (p *pageStub) HidePointer(ctx context.Context) error               { return nil }

func (p *pageStub) TagInteractive(ctx context.Context) (int, error) {
	p.tagCalls++
	return p.tagged, nil
}

func (p *pageStub) ClearTags(ctx context.Context) error {
	p.clearCalls++
	return nil
}

func (p *pageStub) ElementCenter(ctx context.Context, id string) (float64, float64, error) {
	return 0, 0, nil
}
func (p *pageStub) SaveState(ctx context.Context, path string) error { return nil }
func (p *pageStub) Page() playwright.Page                            { return nil }

// scriptedLLM counts calls and records how many images each one carried.
type scriptedLLM struct {
	calls  int
	images []int
	text   string
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.calls++
	s.images = append(s.images, len(req.Images))
	return llm.Response{Text: s.text}, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }

func newTestAdapter(t *testing.T, ctrl browser.Controller, client llm.Client, cacheEnabled bool) *Adapter {
	t.Helper()
	store := cache.New(t.TempDir(), cacheEnabled, zerolog.Nop())
	chunker := snapshot.NewChunker(ctrl, 1024, 100, 0, "", zerolog.Nop())
	return NewAdapter(ctrl, chunker, store, client, zerolog.Nop())
}

func TestPerceiveCapsImagesAtFive(t *testing.T) {
	ctrl := &pageStub{width: 200, height: 6000}
	client := &scriptedLLM{text: `{"action":"unknown","comment":"tall page"}`}
	a := newTestAdapter(t, ctrl, client, true)

	res, err := a.Perceive(context.Background(), "find the footer", false)
	require.NoError(t, err)
	assert.Len(t, res.Tiles, 7, "all tiles are still returned to the caller")
	require.Equal(t, 1, client.calls)
	assert.Equal(t, []int{5}, client.images, "only the first five tiles go to the model")
}

func TestPerceiveUsesCacheOnRepeat(t *testing.T) {
	ctrl := &pageStub{width: 200, height: 500}
	client := &scriptedLLM{text: `{"action":"navigate","value":"https://x.test"}`}
	a := newTestAdapter(t, ctrl, client, true)

	first, err := a.Perceive(context.Background(), "open the site", false)
	require.NoError(t, err)
	require.Equal(t, 1, client.calls)
	require.NotEmpty(t, first.CacheKey)

	// Identical prompt text: the network call is skipped entirely, even
	// though the page may have changed visually.
	second, err := a.Perceive(context.Background(), "open the site", false)
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls, "cache hit skips the model")
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.CacheKey, second.CacheKey)
}

func TestPerceiveTaggingOverlayLifecycle(t *testing.T) {
	ctrl := &pageStub{width: 200, height: 500, tagged: 4}
	client := &scriptedLLM{text: `{"action":"click","target_id":"2","target_image":1}`}
	a := newTestAdapter(t, ctrl, client, false)

	res, err := a.Perceive(context.Background(), "click the second field", true)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TagCount)
	assert.Equal(t, 1, ctrl.tagCalls)
	assert.Equal(t, 1, ctrl.clearCalls, "overlay is removed after capture")
	assert.Empty(t, res.CacheKey, "disabled cache yields no key")
}

func TestBuildPromptSubstitutesTokens(t *testing.T) {
	now := time.Date(2024, 5, 17, 9, 30, 15, 0, time.UTC)
	prompt := BuildPrompt("file a report for {date} at {time}", false, now)

	assert.Contains(t, prompt, "INSTRUCTION: file a report for 2024-05-17 at 09:30:15")
	assert.NotContains(t, prompt, "{instruction}")
	assert.NotContains(t, prompt, "{date}")
	assert.NotContains(t, prompt, "{time}")

	tagged := BuildPrompt("log in as admin", true, now)
	assert.Contains(t, tagged, "target_id")
	assert.NotEqual(t, prompt, tagged)

	// Same instruction, different wall clock, identical prompt: the cache
	// key depends on the prompt text alone.
	later := now.Add(3 * time.Hour)
	assert.Equal(t, BuildPrompt("log in", false, now), BuildPrompt("log in", false, later))
}
