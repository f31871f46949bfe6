package perception

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"visionpilot/internal/browser"
	"visionpilot/internal/cache"
	"visionpilot/internal/llm"
	"visionpilot/internal/snapshot"
)

// maxImages caps how many tiles are sent per call. Tiles beyond the cap are
// dropped with a warning; on very tall pages this trades precision for cost.
const maxImages = 5

const locatePrompt = `You are controlling a web browser through screenshots.
The attached images are ordered top-to-bottom slices of one page. Image 1 is the top of the page.
INSTRUCTION: {instruction}
Respond with a SINGLE JSON object and NOTHING else:
{"action":"navigate|click|type|expectation|unknown","target_image":N,"location_x":X,"location_y":Y,"value":"...","comment":"..."}
Rules:
1. target_image is the 1-based number of the image containing your target.
2. location_x/location_y are pixel coordinates INSIDE that image.
3. For navigate put the URL in value. For type put the text in value.
4. For expectation put "true" or "false" in value and explain in comment.
5. If the instruction cannot be mapped to the page, use action "unknown" with a comment.`

const tagPrompt = `You are controlling a web browser through screenshots.
The attached images are ordered top-to-bottom slices of one page. Interactive elements are marked with numbered yellow badges.
INSTRUCTION: {instruction}
Respond with a SINGLE JSON object and NOTHING else:
{"action":"navigate|click|type|expectation|unknown","target_image":N,"target_id":"badge number","value":"...","comment":"..."}
Rules:
1. target_id is the badge number of the element to act on, as a string.
2. target_image is the 1-based number of the image where you saw the badge.
3. For navigate put the URL in value. For type put the text in value.
4. For expectation put "true" or "false" in value and explain in comment.
5. If the instruction cannot be mapped to the page, use action "unknown" with a comment.`

// Result is everything one perception pass produced. CacheKey is "" when the
// cache is disabled.
type Result struct {
	Text     string
	Tiles    []snapshot.Tile
	TagCount int
	CacheKey string
}

// Adapter turns an instruction plus the live page into raw LLM text.
type Adapter struct {
	ctrl    browser.Controller
	chunker *snapshot.Chunker
	store   *cache.Store
	client  llm.Client
	logger  zerolog.Logger
}

func NewAdapter(ctrl browser.Controller, chunker *snapshot.Chunker, store *cache.Store, client llm.Client, logger zerolog.Logger) *Adapter {
	return &Adapter{
		ctrl:    ctrl,
		chunker: chunker,
		store:   store,
		client:  client,
		logger:  logger,
	}
}

// Perceive captures the page (optionally with numbered element markers),
// builds the prompt and returns the LLM's raw text. An exact-prompt cache hit
// skips the network call entirely.
func (a *Adapter) Perceive(ctx context.Context, instruction string, tagging bool) (Result, error) {
	var res Result
	if tagging {
		n, err := a.ctrl.TagInteractive(ctx)
		if err != nil {
			return Result{}, err
		}
		res.TagCount = n
		defer func() {
			if err := a.ctrl.ClearTags(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("clear tags failed")
			}
		}()
	}

	tiles, _, err := a.chunker.Capture(ctx)
	if err != nil {
		return Result{}, err
	}
	res.Tiles = tiles

	prompt := BuildPrompt(instruction, tagging, time.Now())
	res.CacheKey = a.store.Key(prompt)

	if cached, ok := a.store.Read(prompt); ok {
		a.logger.Info().Str("key", res.CacheKey).Msg("llm response from cache")
		res.Text = cached
		return res, nil
	}

	images := make([][]byte, 0, maxImages)
	for _, t := range tiles {
		if len(images) == maxImages {
			a.logger.Warn().
				Int("tiles", len(tiles)).
				Int("sent", maxImages).
				Msg("tile count exceeds image cap, trailing tiles dropped")
			break
		}
		images = append(images, t.Image)
	}

	resp, err := a.client.Generate(ctx, llm.Request{
		Prompt: prompt,
		Images: images,
	})
	if err != nil {
		return Result{}, err
	}
	res.Text = resp.Text

	if _, err := a.store.Write(prompt, resp.Text); err != nil {
		a.logger.Warn().Err(err).Msg("cache write failed")
	}
	return res, nil
}

// BuildPrompt renders the mode template with the instruction substituted and
// any {date}/{time} tokens resolved. The templates themselves carry no time
// tokens: the prompt text is the cache key, so it must stay stable across
// calls with the same instruction.
func BuildPrompt(instruction string, tagging bool, now time.Time) string {
	tpl := locatePrompt
	if tagging {
		tpl = tagPrompt
	}
	r := strings.NewReplacer(
		"{date}", now.Format("2006-01-02"),
		"{time}", now.Format("15:04:05"),
	)
	// Resolve the instruction's own tokens first; a replacer does not
	// rescan substituted text.
	return strings.ReplaceAll(r.Replace(tpl), "{instruction}", r.Replace(instruction))
}
