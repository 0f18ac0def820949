// Package llamacpp implements engine.Engine against a llama.cpp HTTP server.
package llamacpp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/llamagram/internal/engine"
)

const (
	// DefaultBaseURL is the address llama.cpp's server listens on by default.
	DefaultBaseURL = "http://127.0.0.1:8080"

	// DefaultHealthTimeout bounds the startup health check.
	DefaultHealthTimeout = 5 * time.Second

	// maxLineSize bounds a single server-sent event line.
	maxLineSize = 1 << 20
)

// Config holds configuration for the client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client streams completions from a llama.cpp server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ engine.Engine = (*Client)(nil)

// NewClient creates a new llama.cpp client.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("engine URL must be http or https: %s", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		// No client timeout: generations are bounded by the caller's context.
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// completionRequest is the body of POST /completion.
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict,omitempty"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	CachePrompt bool     `json:"cache_prompt"`
}

// completionChunk is one streamed event.
type completionChunk struct {
	Content      string `json:"content"`
	Stop         bool   `json:"stop"`
	StopType     string `json:"stop_type,omitempty"`
	StoppedEOS   bool   `json:"stopped_eos,omitempty"`
	StoppedWord  bool   `json:"stopped_word,omitempty"`
	StoppedLimit bool   `json:"stopped_limit,omitempty"`
}

// errorBody is the error envelope returned by the server.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream starts a streaming completion.
func (c *Client) Stream(ctx context.Context, prompt string, params engine.Params) (engine.TokenStream, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		NPredict:    params.MaxTokens,
		TopP:        params.TopP,
		Stop:        params.Stop,
		Stream:      true,
		CachePrompt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("completion request canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", engine.ErrEngineUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(resp)
	}

	return newStreamReader(resp.Body), nil
}

// Health checks that the server is up and has a model loaded.
func (c *Client) Health(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrEngineUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return &engine.Error{StatusCode: resp.StatusCode, Message: body.Error.Message}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return &engine.Error{StatusCode: resp.StatusCode, Message: msg}
}

// streamReader parses server-sent events into tokens.
type streamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newStreamReader(body io.ReadCloser) *streamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &streamReader{body: body, scanner: scanner}
}

// Recv returns the next token, io.EOF at the end of the stream.
func (s *streamReader) Recv() (engine.Token, error) {
	if s.done {
		return engine.Token{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "error:"):
			s.done = true
			return engine.Token{}, parseErrorEvent(strings.TrimSpace(strings.TrimPrefix(line, "error:")))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				s.done = true
				return engine.Token{}, io.EOF
			}
			return s.parseChunk(payload)
		default:
			// Comments and other SSE fields.
			continue
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return engine.Token{}, fmt.Errorf("failed to read completion stream: %w", err)
	}
	return engine.Token{}, io.EOF
}

func (s *streamReader) parseChunk(payload string) (engine.Token, error) {
	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.done = true
		return engine.Token{}, fmt.Errorf("failed to decode completion chunk: %w", err)
	}

	token := engine.Token{Text: chunk.Content}
	if chunk.Stop {
		s.done = true
		token.FinishReason = finishReason(chunk)
	}
	return token, nil
}

// Close releases the response body.
func (s *streamReader) Close() error {
	s.done = true
	if err := s.body.Close(); err != nil {
		return fmt.Errorf("failed to close completion stream: %w", err)
	}
	return nil
}

func finishReason(chunk completionChunk) string {
	switch {
	case chunk.StopType != "":
		return chunk.StopType
	case chunk.StoppedLimit:
		return "limit"
	case chunk.StoppedWord:
		return "word"
	case chunk.StoppedEOS:
		return "eos"
	default:
		return "stop"
	}
}

func parseErrorEvent(payload string) error {
	var body errorBody
	if err := json.Unmarshal([]byte(payload), &body); err == nil && body.Error.Message != "" {
		return &engine.Error{StatusCode: body.Error.Code, Message: body.Error.Message}
	}
	var flat struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(payload), &flat); err == nil && flat.Message != "" {
		return &engine.Error{StatusCode: flat.Code, Message: flat.Message}
	}
	return &engine.Error{Message: payload, Err: errors.New("unparsed error event")}
}
