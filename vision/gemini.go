package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/clinicflow/flowbridge/log"
)

// Gemini coordinates are normalized to this range on both axes.
const geminiScale = 1000

const geminiPrompt = `You are locating a UI element on a web page screenshot so it can be clicked.
Element: %q
Reply with JSON only. If the element is visible, set "found" to true and give the
center of the element as "x" and "y", both normalized to 0-1000 relative to the
image width and height. If it isn't visible, set "found" to false.`

// GeminiOptions configures a Gemini locator.
type GeminiOptions struct {
	APIKey string
	Model  string
	// RateLimit is the maximum number of requests per second. Zero or less
	// disables limiting.
	RateLimit float64
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Gemini asks a Gemini multimodal model where an element is.
type Gemini struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewGemini returns a Gemini locator.
func NewGemini(ctx context.Context, opts GeminiOptions, logger *log.Logger) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("gemini model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions.BaseURL = opts.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &Gemini{
		client:  client,
		model:   opts.Model,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

type geminiAnswer struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Locate implements Locator.
func (g *Gemini) Locate(ctx context.Context, description string, screenshot []byte) (Point, bool, error) {
	img, err := png.DecodeConfig(bytes.NewReader(screenshot))
	if err != nil {
		return Point{}, false, fmt.Errorf("reading screenshot size: %w", err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return Point{}, false, fmt.Errorf("waiting for vision rate limiter: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(screenshot, "image/png"),
			genai.NewPartFromText(fmt.Sprintf(geminiPrompt, description)),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"found": {Type: genai.TypeBoolean},
				"x":     {Type: genai.TypeNumber},
				"y":     {Type: genai.TypeNumber},
			},
			Required: []string{"found"},
		},
	}

	g.logger.Debugf("vision:gemini", "model:%q analyzing %dx%d screenshot for %q", g.model, img.Width, img.Height, description)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Point{}, false, fmt.Errorf("gemini generate content: %w", err)
	}

	answer, err := parseGeminiAnswer(resp.Text())
	if err != nil {
		return Point{}, false, err
	}
	if !answer.Found {
		g.logger.Warnf("vision:gemini", "%q not found in visual analysis", description)
		return Point{}, false, nil
	}
	p := Point{
		X: clamp(answer.X, 0, geminiScale) / geminiScale * float64(img.Width),
		Y: clamp(answer.Y, 0, geminiScale) / geminiScale * float64(img.Height),
	}
	g.logger.Debugf("vision:gemini", "identified %q at %v", description, p)

	return p, true, nil
}

func parseGeminiAnswer(text string) (geminiAnswer, error) {
	text = strings.TrimSpace(text)
	// Models sometimes wrap JSON in a code fence despite the MIME type.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var a geminiAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &a); err != nil {
		return geminiAnswer{}, fmt.Errorf("parsing gemini answer %q: %w", text, err)
	}
	return a, nil
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
