// Package moderation runs client conversations past a reviewer model and
// turns its reply into a verdict. Oversize conversations are cut down by
// the sampler first; the verdict travels back to the dispatcher, which
// decides between forwarding and a content_violation refusal.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"modgate/internal/core"
	"modgate/internal/upstream"
)

// Review model selection strategies.
const (
	StrategyRoundRobin = "round-robin"
	StrategyRandom     = "random"
)

// DefaultRiskThreshold is the risk level at or above which a verdict is
// treated as a violation regardless of the isViolation flag.
const DefaultRiskThreshold = 5

const verdictMaxTokens = 100

var jsonObjectFormat = json.RawMessage(`{"type":"json_object"}`)

// Verdict is the outcome of one content review.
type Verdict struct {
	IsViolation bool
	RiskLevel   int
	LogID       string
	Partial     bool
}

// Config assembles a review engine.
type Config struct {
	Client    *upstream.Client
	Sampler   *Sampler
	Models    []string
	Strategy  string
	Threshold int
	Rand      *rand.Rand
	Now       func() time.Time
}

// Engine selects a reviewer model, assembles the review conversation and
// parses the verdict. It shares its upstream client's breaker with the
// primary provider, so transport failures here count there too.
type Engine struct {
	client    *upstream.Client
	sampler   *Sampler
	models    []string
	strategy  string
	threshold int
	now       func() time.Time

	counter atomic.Uint64
	rng     *lockedRand
}

// NewEngine creates a review engine.
func NewEngine(cfg Config) *Engine {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	locked := &lockedRand{rng: rng}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = &Sampler{rng: locked}
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	threshold := cfg.Threshold
	if threshold < 1 {
		threshold = DefaultRiskThreshold
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		client:    cfg.Client,
		sampler:   sampler,
		models:    cfg.Models,
		strategy:  strategy,
		threshold: threshold,
		now:       now,
		rng:       locked,
	}
}

// Review samples the conversation, asks the reviewer model for a verdict
// and returns it. Transport errors come back as-is; an unparseable reply
// becomes a verdict error that never feeds the breaker.
func (e *Engine) Review(ctx context.Context, msgs []core.Message) (*Verdict, error) {
	if len(e.models) == 0 {
		return nil, core.NewConfigError("no moderation models configured")
	}

	sample := e.sampler.Sample(msgs)
	model := e.pickModel()

	resp, err := e.client.ChatCompletion(ctx, e.buildRequest(model, sample))
	if err != nil {
		return nil, err
	}

	violation, risk, err := parseVerdict(resp.Body)
	if err != nil {
		return nil, core.NewVerdictError(err)
	}
	if risk >= e.threshold {
		violation = true
	}

	v := &Verdict{
		IsViolation: violation,
		RiskLevel:   risk,
		LogID:       newLogID(e.now()),
		Partial:     sample.Partial,
	}
	slog.Info("content review complete",
		"log_id", v.LogID,
		"model", model,
		"risk_level", v.RiskLevel,
		"violation", v.IsViolation,
		"partial", v.Partial,
	)
	return v, nil
}

func (e *Engine) buildRequest(model string, sample Sample) *core.ChatRequest {
	temperature := float64(0)
	return &core.ChatRequest{
		Model: model,
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: core.NewTextContent(systemPrompt)},
			{Role: core.RoleUser, Content: core.NewTextContent(buildReviewPrompt(sample.Messages))},
			{Role: core.RoleUser, Content: core.NewTextContent(reinforcementPrompt)},
		},
		Temperature:    &temperature,
		MaxTokens:      verdictMaxTokens,
		ResponseFormat: jsonObjectFormat,
	}
}

func (e *Engine) pickModel() string {
	if len(e.models) == 1 {
		return e.models[0]
	}
	if e.strategy == StrategyRandom {
		return e.models[e.rng.intn(len(e.models))]
	}
	n := e.counter.Add(1) - 1
	return e.models[n%uint64(len(e.models))]
}

type verdictPayload struct {
	IsViolation *bool `json:"isViolation"`
	RiskLevel   *int  `json:"riskLevel"`
}

func parseVerdict(body []byte) (bool, int, error) {
	var resp core.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, 0, fmt.Errorf("decode review response: %w", err)
	}
	text := strings.TrimSpace(resp.FirstChoiceText())
	if text == "" {
		return false, 0, fmt.Errorf("review response has no content")
	}

	var p verdictPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return false, 0, fmt.Errorf("decode verdict %q: %w", text, err)
	}
	if p.IsViolation == nil || p.RiskLevel == nil {
		return false, 0, fmt.Errorf("verdict %q is missing isViolation or riskLevel", text)
	}
	if *p.RiskLevel < 1 || *p.RiskLevel > 5 {
		return false, 0, fmt.Errorf("verdict risk level %d out of range", *p.RiskLevel)
	}
	return *p.IsViolation, *p.RiskLevel, nil
}

// newLogID builds review identifiers like mod_1719850000123_9f3a07c2.
func newLogID(now time.Time) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("mod_%d_%s", now.UnixMilli(), raw[:8])
}
