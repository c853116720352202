package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"proctor/internal/engine"
)

// SpeechClient synthesizes narration audio: text in, audio bytes out.
type SpeechClient struct {
	baseURL string
	apiKey  string
	voice   string
	client  *http.Client
}

type SpeechConfig struct {
	BaseURL string
	APIKey  string
	Voice   string
	Timeout time.Duration
}

func NewSpeechClient(cfg SpeechConfig) *SpeechClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SpeechClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		voice:   cfg.Voice,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Synthesize returns the raw audio blob for the given text. Unlike the
// detection endpoints the response is binary, not JSON.
func (c *SpeechClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(synthesizeRequest{Text: text, Voice: c.voice})
	if err != nil {
		return nil, fmt.Errorf("encode speech request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/speech/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	return audio, nil
}

var _ engine.SpeechSynthesizer = (*SpeechClient)(nil)
