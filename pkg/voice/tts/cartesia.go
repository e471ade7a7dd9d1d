package tts

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

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"

	// EncodingPCM16 is little-endian signed 16-bit PCM.
	EncodingPCM16 = "pcm_s16le"

	maxErrorBody = 4096
)

// APIError is a non-2xx response from the TTS service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cartesia error %d: %s", e.StatusCode, e.Body)
}

// Cartesia synthesizes speech with the Cartesia /tts/bytes endpoint.
type Cartesia struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	defaults   Options
}

// CartesiaOption configures a Cartesia client.
type CartesiaOption func(*Cartesia)

// WithBaseURL points the client at another host, e.g. a test server.
func WithBaseURL(u string) CartesiaOption {
	return func(c *Cartesia) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) CartesiaOption {
	return func(c *Cartesia) { c.httpClient = hc }
}

// NewCartesia creates a client. defaults fill any field a call leaves empty.
func NewCartesia(apiKey string, defaults Options, opts ...CartesiaOption) *Cartesia {
	c := &Cartesia{
		apiKey:     apiKey,
		baseURL:    cartesiaBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		defaults:   defaults,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type cartesiaTTSRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize returns raw PCM for text.
func (c *Cartesia) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	opts = c.merge(opts)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	if opts.Voice == "" {
		return nil, fmt.Errorf("voice is required")
	}

	body, err := json.Marshal(cartesiaTTSRequest{
		ModelID:    opts.Model,
		Transcript: text,
		Voice:      cartesiaVoiceSpec{Mode: "id", ID: opts.Voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   EncodingPCM16,
			SampleRate: opts.SampleRate,
		},
		Language: opts.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return &Synthesis{Audio: []byte{}, Encoding: EncodingPCM16, SampleRate: opts.SampleRate}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{Audio: audio, Encoding: EncodingPCM16, SampleRate: opts.SampleRate}, nil
}

func (c *Cartesia) merge(opts Options) Options {
	if opts.Voice == "" {
		opts.Voice = c.defaults.Voice
	}
	if opts.Model == "" {
		opts.Model = c.defaults.Model
	}
	if opts.Language == "" {
		opts.Language = c.defaults.Language
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = c.defaults.SampleRate
	}
	if opts.Model == "" {
		opts.Model = "sonic-3"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 24000
	}
	return opts
}
