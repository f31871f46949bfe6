package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const pointerMarkerID = "__vp_pointer_marker"

// Interactive elements eligible for tagging, matched in DOM order.
const taggableSelector = "input, textarea"

// Controller exposes the page capabilities the perception/action loop
// consumes: navigation, raster capture, viewport control, synthetic input,
// element tagging and scroll control.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	// ScrollSize returns the full scrollable width and height of the page.
	ScrollSize(ctx context.Context) (width, height int, err error)
	ViewportSize(ctx context.Context) (width, height int, err error)
	SetViewportSize(ctx context.Context, width, height int) error
	// CaptureViewport rasters the current viewport as PNG bytes.
	CaptureViewport(ctx context.Context) ([]byte, error)
	ScrollTo(ctx context.Context, y int) error
	ClickAt(ctx context.Context, x, y float64) error
	// TypeText emits text one character at a time with a randomized delay
	// drawn from [minDelay, maxDelay] between keys.
	TypeText(ctx context.Context, text string, minDelay, maxDelay time.Duration) error
	ShowPointer(ctx context.Context, x, y float64) error
	HidePointer(ctx context.Context) error
	// TagInteractive overlays numbered markers on interactive elements in
	// DOM order starting at 1 and returns how many were tagged. The id to
	// element mapping is kept by the controller until the next
	// TagInteractive call rebuilds it.
	TagInteractive(ctx context.Context) (int, error)
	// ClearTags removes the visible badge overlay. The id to element
	// mapping survives so targets resolve after the capture pass.
	ClearTags(ctx context.Context) error
	// ElementCenter returns the current-viewport center of a tagged element.
	ElementCenter(ctx context.Context, id string) (x, y float64, err error)
	SaveState(ctx context.Context, path string) error
	Page() playwright.Page
}

// Launcher owns the playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context, headless bool) (*Launcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

func (l *Launcher) NewController(ctx context.Context, navTimeout time.Duration, storagePath string) (Controller, error) {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		}
	}
	context, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := context.NewPage()
	if err != nil {
		_ = context.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(navTimeout.Milliseconds()))
	return &controller{
		context:    context,
		page:       page,
		navTimeout: navTimeout,
		tags:       make(map[string]playwright.ElementHandle),
	}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	context    playwright.BrowserContext
	page       playwright.Page
	navTimeout time.Duration
	tags       map[string]playwright.ElementHandle
}

func (c *controller) Page() playwright.Page {
	return c.page
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(c.navTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) ScrollSize(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	val, err := c.page.Evaluate(`() => [
		Math.max(document.documentElement.scrollWidth, document.body ? document.body.scrollWidth : 0),
		Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0),
	]`)
	if err != nil {
		return 0, 0, wrap(err)
	}
	w, h, err := intPair(val)
	if err != nil {
		return 0, 0, fmt.Errorf("scroll size: %w", err)
	}
	return w, h, nil
}

func (c *controller) ViewportSize(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	val, err := c.page.Evaluate(`() => [window.innerWidth, window.innerHeight]`)
	if err != nil {
		return 0, 0, wrap(err)
	}
	w, h, err := intPair(val)
	if err != nil {
		return 0, 0, fmt.Errorf("viewport size: %w", err)
	}
	return w, h, nil
}

func (c *controller) SetViewportSize(ctx context.Context, width, height int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.SetViewportSize(width, height))
}

func (c *controller) CaptureViewport(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	return data, wrap(err)
}

func (c *controller) ScrollTo(ctx context.Context, y int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Evaluate(`(y) => window.scrollTo(0, y)`, y)
	return wrap(err)
}

func (c *controller) ClickAt(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Mouse().Click(x, y))
}

func (c *controller) TypeText(ctx context.Context, text string, minDelay, maxDelay time.Duration) error {
	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.page.Keyboard().Type(string(r)); err != nil {
			return wrap(err)
		}
		time.Sleep(jitter(minDelay, maxDelay))
	}
	return nil
}

func (c *controller) ShowPointer(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	script := `([id, x, y]) => {
		const old = document.getElementById(id);
		if (old) old.remove();
		const dot = document.createElement("div");
		dot.id = id;
		dot.style.cssText = "position:fixed;z-index:2147483647;pointer-events:none;" +
			"width:18px;height:18px;border-radius:50%;border:3px solid red;" +
			"background:rgba(255,0,0,0.35);transform:translate(-50%,-50%);" +
			"left:" + x + "px;top:" + y + "px;";
		document.body.appendChild(dot);
	}`
	_, err := c.page.Evaluate(script, []any{pointerMarkerID, x, y})
	return wrap(err)
}

func (c *controller) HidePointer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Evaluate(`(id) => {
		const el = document.getElementById(id);
		if (el) el.remove();
	}`, pointerMarkerID)
	return wrap(err)
}

func (c *controller) TagInteractive(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	handles, err := c.page.QuerySelectorAll(taggableSelector)
	if err != nil {
		return 0, wrap(err)
	}
	c.tags = make(map[string]playwright.ElementHandle, len(handles))
	for i, h := range handles {
		c.tags[strconv.Itoa(i+1)] = h
	}
	// Badges are drawn by a single script over the same selector, so badge
	// numbers and the handle map stay in the same DOM order.
	script := `(selector) => {
		const nodes = document.querySelectorAll(selector);
		let n = 0;
		for (const el of nodes) {
			n++;
			const rect = el.getBoundingClientRect();
			const badge = document.createElement("div");
			badge.className = "__vp_tag_badge";
			badge.textContent = String(n);
			badge.style.cssText = "position:absolute;z-index:2147483646;pointer-events:none;" +
				"background:#ffd400;color:#000;font:bold 12px/1.4 monospace;" +
				"padding:0 4px;border:1px solid #000;border-radius:3px;" +
				"left:" + (rect.left + window.scrollX) + "px;" +
				"top:" + (rect.top + window.scrollY) + "px;";
			document.body.appendChild(badge);
		}
		return n;
	}`
	if _, err := c.page.Evaluate(script, taggableSelector); err != nil {
		return 0, wrap(err)
	}
	return len(handles), nil
}

// ClearTags takes the badges off the page but keeps the tag map: the overlay
// must not appear in post-capture interaction, while the executor still needs
// to resolve badge ids afterwards.
func (c *controller) ClearTags(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Evaluate(`() => {
		for (const el of document.querySelectorAll(".__vp_tag_badge")) el.remove();
	}`)
	return wrap(err)
}

func (c *controller) ElementCenter(ctx context.Context, id string) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	handle, ok := c.tags[strings.TrimSpace(id)]
	if !ok {
		return 0, 0, fmt.Errorf("no tagged element with id %q", id)
	}
	box, err := handle.BoundingBox()
	if err != nil {
		return 0, 0, wrap(err)
	}
	if box == nil {
		return 0, 0, fmt.Errorf("tagged element %q has no visible box", id)
	}
	return box.X + box.Width/2, box.Y + box.Height/2, nil
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func intPair(val any) (int, int, error) {
	arr, ok := val.([]any)
	if !ok || len(arr) != 2 {
		return 0, 0, fmt.Errorf("unexpected evaluate result %T", val)
	}
	nums := make([]int, 2)
	for i, v := range arr {
		switch n := v.(type) {
		case float64:
			nums[i] = int(n)
		case int:
			nums[i] = n
		default:
			return 0, 0, fmt.Errorf("unexpected number type %T", v)
		}
	}
	return nums[0], nums[1], nil
}
