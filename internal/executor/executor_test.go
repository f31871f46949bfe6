package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionpilot/internal/action"
	"visionpilot/internal/browser"
	"visionpilot/internal/netwatch"
	"visionpilot/internal/snapshot"
)

// fakeController records the calls the executor makes.
type fakeController struct {
	navigated []string
	scrolled  []int
	clicks    [][2]float64
	typed     []string
	centers   map[string][2]float64
	viewports [][2]int
}

var _ browser.Controller = (*fakeController)(nil)

func newFakeController() *fakeController {
	return &fakeController{centers: map[string][2]float64{}}
}

func (f *fakeController) Close(ctx context.Context) error { return nil }

func (f *fakeController) Navigate(ctx context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *fakeController) ScrollSize(ctx context.Context) (int, int, error)   { return 800, 2000, nil }
func (f *fakeController) ViewportSize(ctx context.Context) (int, int, error) { return 800, 600, nil }
func (f *fakeController) SetViewportSize(ctx context.Context, w, h int) error {
	f.viewports = append(f.viewports, [2]int{w, h})
	return nil
}
func (f *fakeController) CaptureViewport(ctx context.Context) ([]byte, error) { return nil, nil }

func (f *fakeController) ScrollTo(ctx context.Context, y int) error {
	f.scrolled = append(f.scrolled, y)
	return nil
}

func (f *fakeController) ClickAt(ctx context.Context, x, y float64) error {
	f.clicks = append(f.clicks, [2]float64{x, y})
	return nil
}

func (f *fakeController) TypeText(ctx context.Context, text string, min, max time.Duration) error {
	f.typed = append(f.typed, text)
	return nil
}

func (f *fakeController) ShowPointer(ctx context.Context, x, y float64) error { return nil }
func (f *fakeController) HidePointer(ctx context.Context) error               { return nil }
func (f *fakeController) TagInteractive(ctx context.Context) (int, error)     { return 0, nil }
func (f *fakeController) ClearTags(ctx context.Context) error                 { return nil }

func (f *fakeController) ElementCenter(ctx context.Context, id string) (float64, float64, error) {
	c, ok := f.centers[id]
	if !ok {
		return 0, 0, fmt.Errorf("no tagged element with id %q", id)
	}
	return c[0], c[1], nil
}

func (f *fakeController) SaveState(ctx context.Context, path string) error { return nil }
func (f *fakeController) Page() playwright.Page                            { return nil }

func newTestExecutor(t *testing.T, ctrl browser.Controller) *Executor {
	t.Helper()
	tracker, err := netwatch.New(nil, zerolog.Nop())
	require.NoError(t, err)
	return New(ctrl, tracker, Options{
		QuiescenceWait: 50 * time.Millisecond,
		PointerHold:    0,
	}, zerolog.Nop())
}

func twoTiles() []snapshot.Tile {
	return []snapshot.Tile{
		{Ordinal: 0, Offset: 0, Height: 1024},
		{Ordinal: 1, Offset: 924, Height: 1024},
	}
}

func TestNavigateBypassesTiles(t *testing.T) {
	ctrl := newFakeController()
	exec := newTestExecutor(t, ctrl)

	// No tiles at all: navigate must still succeed.
	outcome, err := exec.Execute(context.Background(), action.Navigate{URL: "https://x.test"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Equal(t, []string{"https://x.test"}, ctrl.navigated)
	assert.Empty(t, ctrl.scrolled, "navigation resolves no tile")
}

func TestClickScrollsToTileOffset(t *testing.T) {
	ctrl := newFakeController()
	exec := newTestExecutor(t, ctrl)

	act := action.Click{Target: action.Target{Tile: 2, X: 310, Y: 95}}
	outcome, err := exec.Execute(context.Background(), act, twoTiles(), false)
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Equal(t, []int{924}, ctrl.scrolled)
	assert.Equal(t, [][2]float64{{310, 95}}, ctrl.clicks)
}

func TestClickTaggedElementUsesLiveCenter(t *testing.T) {
	ctrl := newFakeController()
	ctrl.centers["3"] = [2]float64{412, 288}
	exec := newTestExecutor(t, ctrl)

	act := action.Click{Target: action.Target{ElementID: "3", Tile: 2}}
	outcome, err := exec.Execute(context.Background(), act, twoTiles(), false)
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Equal(t, []int{924}, ctrl.scrolled, "scrolls to the capture tile before resolving")
	assert.Equal(t, [][2]float64{{412, 288}}, ctrl.clicks)
}

func TestDispatchViewportMatchesTileHeight(t *testing.T) {
	// The runtime viewport is 800x600 but tiles are 1024 tall, so a target in
	// the lower part of a tile lies below the fold. The viewport is grown to
	// the tile height for the dispatch and restored afterwards.
	ctrl := newFakeController()
	exec := newTestExecutor(t, ctrl)

	act := action.Click{Target: action.Target{Tile: 1, X: 400, Y: 900}}
	outcome, err := exec.Execute(context.Background(), act, twoTiles(), false)
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Equal(t, [][2]int{{800, 1024}, {800, 600}}, ctrl.viewports)
	assert.Equal(t, [][2]float64{{400, 900}}, ctrl.clicks)
}

func TestDispatchKeepsViewportForShortTile(t *testing.T) {
	ctrl := newFakeController()
	exec := newTestExecutor(t, ctrl)

	tiles := []snapshot.Tile{{Ordinal: 0, Offset: 0, Height: 400}}
	act := action.Click{Target: action.Target{Tile: 1, X: 40, Y: 40}}
	outcome, err := exec.Execute(context.Background(), act, tiles, false)
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Empty(t, ctrl.viewports, "a tile that already fits needs no resize")
}

func TestTypeClicksToFocusThenTypes(t *testing.T) {
	ctrl := newFakeController()
	exec := newTestExecutor(t, ctrl)

	act := action.Type{Target: action.Target{Tile: 1, X: 50, Y: 60}, Text: "hello"}
	outcome, err := exec.Execute(context.Background(), act, twoTiles(), false)
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Equal(t, [][2]float64{{50, 60}}, ctrl.clicks)
	assert.Equal(t, []string{"hello"}, ctrl.typed)
}

func TestExpectationTrueIsDone(t *testing.T) {
	exec := newTestExecutor(t, newFakeController())
	outcome, err := exec.Execute(context.Background(), action.Expectation{Result: true}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
}

func TestExpectationFalseRetriesThenFails(t *testing.T) {
	exec := newTestExecutor(t, newFakeController())
	act := action.Expectation{Result: false, Comment: "cart empty"}

	outcome, err := exec.Execute(context.Background(), act, nil, true)
	require.NoError(t, err)
	assert.Equal(t, Retry, outcome)

	outcome, err = exec.Execute(context.Background(), act, nil, false)
	assert.Equal(t, Fatal, outcome)
	var assertionErr *AssertionError
	require.ErrorAs(t, err, &assertionErr)
	assert.Contains(t, assertionErr.Error(), "cart empty")
}

func TestUnknownActionPolicy(t *testing.T) {
	exec := newTestExecutor(t, newFakeController())
	act := action.Unknown{Comment: "could not map instruction"}

	outcome, err := exec.Execute(context.Background(), act, nil, true)
	require.NoError(t, err)
	assert.Equal(t, Retry, outcome)

	outcome, err = exec.Execute(context.Background(), act, nil, false)
	assert.Equal(t, Fatal, outcome)
	var unrecognized *UnrecognizedActionError
	require.ErrorAs(t, err, &unrecognized)
}

func TestTileOutOfRange(t *testing.T) {
	exec := newTestExecutor(t, newFakeController())
	act := action.Click{Target: action.Target{Tile: 7, X: 1, Y: 1}}

	outcome, err := exec.Execute(context.Background(), act, twoTiles(), false)
	assert.Equal(t, Fatal, outcome)
	var unrecognized *UnrecognizedActionError
	require.ErrorAs(t, err, &unrecognized)
}

func TestNilActionIsUnrecognized(t *testing.T) {
	exec := newTestExecutor(t, newFakeController())
	outcome, err := exec.Execute(context.Background(), nil, nil, false)
	assert.Equal(t, Fatal, outcome)
	var unrecognized *UnrecognizedActionError
	require.ErrorAs(t, err, &unrecognized)
}
