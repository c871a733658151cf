// Package classifier asks a multimodal model what to do next on a page. Its
// verdicts are advice: the navigator gates every one of them.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
)

const defaultModel = "gemini-2.5-flash"

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("classifier: model returned no text")

// Generator is the model call the classifier depends on.
type Generator interface {
	Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)
}

type genaiGenerator struct {
	client *genai.Client
}

func (g genaiGenerator) Generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	res, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

// Gemini implements schemas.Classifier on the Gemini API.
type Gemini struct {
	gen     Generator
	cfg     config.LLMModelConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ schemas.Classifier = (*Gemini)(nil)

// NewGemini creates a classifier backed by the Gemini API.
func NewGemini(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classifier: a Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: create genai client: %w", err)
	}
	return NewGeminiWithGenerator(genaiGenerator{client: client}, cfg, logger), nil
}

// NewGeminiWithGenerator creates a classifier over any Generator.
func NewGeminiWithGenerator(gen Generator, cfg config.LLMModelConfig, logger *zap.Logger) *Gemini {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	return &Gemini{
		gen:     gen,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("classifier.gemini"),
	}
}

// reply is the JSON object the prompt asks for.
type reply struct {
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	PageType   string   `json:"page_type"`
	Evidence   []string `json:"evidence"`
	Target     string   `json:"target"`
}

// Classify sends the screenshot and page summary to the model and
// normalizes its answer. Actions outside the request's set are returned as
// given so the caller can reject them.
func (g *Gemini) Classify(ctx context.Context, req schemas.ClassifyRequest) (*schemas.ClassifierVerdict, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("classifier: rate limit wait: %w", err)
	}
	if g.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.APITimeout)
		defer cancel()
	}

	parts := []*genai.Part{genai.NewPartFromText(userPrompt(req))}
	if len(req.Screenshot) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Screenshot, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	temp := g.cfg.Temperature
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
	}
	if g.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}

	start := time.Now()
	text, err := g.gen.Generate(ctx, g.cfg.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("classifier: generate: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyReply
	}

	r, err := ParseJSONResponse[reply](text)
	if err != nil {
		return nil, err
	}
	v := &schemas.ClassifierVerdict{
		Action:     normalizeAction(r.Action),
		Confidence: normalizeConfidence(r.Confidence),
		Reason:     r.Reason,
		PageType:   r.PageType,
		Evidence:   r.Evidence,
		Target:     schemas.Locator(strings.TrimSpace(r.Target)),
	}
	g.logger.Debug("Classification complete.",
		zap.Duration("duration", time.Since(start)),
		zap.String("url", req.URL),
		zap.String("action", string(v.Action)),
		zap.Float64("confidence", v.Confidence))
	return v, nil
}

var knownActions = append(append([]schemas.PageAction{}, schemas.GuidedActions...), schemas.PageDismissBlocker)

func normalizeAction(raw string) schemas.PageAction {
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(raw)))
	for _, a := range knownActions {
		if strings.ToLower(string(a)) == key {
			return a
		}
	}
	return schemas.PageAction(strings.TrimSpace(raw))
}

// normalizeConfidence clamps to [0,1]; values up to 100 are read as percent.
func normalizeConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1 && c <= 100:
		return c / 100
	case c > 1:
		return 1
	}
	return c
}

const systemPrompt = `You look at a screenshot of a web page during an automated job application and decide the single next step.
Reply with one JSON object and nothing else:
{"action": "<one of the allowed actions>", "confidence": <0.0-1.0>, "reason": "<short>", "page_type": "<short label>", "evidence": ["<visible text you relied on>"], "target": "<locator or empty>"}
Locators are "id:<id>", "name:<name>", "css:<selector>", "xpath:<expr>" or "text:<visible text>".
Only answer "complete" when the page visibly confirms the application was received.
When unsure, answer "needsHuman" with a low confidence.`

func userPrompt(req schemas.ClassifyRequest) string {
	var b strings.Builder
	allowed := make([]string, 0, len(req.AllowedActions))
	for _, a := range req.AllowedActions {
		allowed = append(allowed, string(a))
	}
	fmt.Fprintf(&b, "Allowed actions: %s\n", strings.Join(allowed, ", "))
	if req.URL != "" {
		fmt.Fprintf(&b, "Current URL: %s\n", req.URL)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "Page summary:\n%s\n", req.Context)
	}
	if len(req.Screenshot) == 0 {
		b.WriteString("No screenshot is available; rely on the summary.\n")
	}
	return b.String()
}
