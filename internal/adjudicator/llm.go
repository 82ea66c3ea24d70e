package adjudicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LLMConfig configures the gateway client.
type LLMConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Model    string        `json:"model" yaml:"model"`
	APIKey   string        `json:"-" yaml:"-"` // from env, never serialized
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// LLM calls an analysis gateway over HTTP. The gateway receives the candidate
// summary and returns a recommendation with a 0-100 confidence.
type LLM struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLM creates the gateway client.
func NewLLM(cfg LLMConfig) *LLM {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &LLM{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// gateway wire format
type llmRequest struct {
	Model   string  `json:"model,omitempty"`
	Summary Summary `json:"summary"`
}

type llmResponse struct {
	Recommendation string  `json:"recommendation"` // LONG, SHORT, HOLD
	Confidence     float64 `json:"confidence"`     // 0-100
	Reasoning      string  `json:"reasoning"`
}

// Adjudicate implements Adjudicator.
func (l *LLM) Adjudicate(ctx context.Context, s Summary) (*Verdict, error) {
	body, err := json.Marshal(llmRequest{Model: l.cfg.Model, Summary: s})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("adjudicator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("adjudicator status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("adjudicator response: %w", err)
	}

	action := ActionHold
	switch strings.ToUpper(strings.TrimSpace(out.Recommendation)) {
	case "LONG", "BUY":
		action = ActionBuy
	case "SHORT", "SELL":
		action = ActionSell
	}

	conf := out.Confidence / 100
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	return &Verdict{Action: action, Confidence: conf, Reason: out.Reasoning}, nil
}
