package tutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-tutor/internal/config"
	"github.com/lexiqai/voice-tutor/internal/observability"
	"github.com/lexiqai/voice-tutor/internal/resilience"
)

const (
	EndpointChat  = "chat"
	EndpointVoice = "voice-input"

	breakerName = "tutor"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Client talks to the remote tutoring service.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewClient creates a client for the service at cfg.TutorAPIURL.
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.TutorAPIURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid tutor API URL %q", cfg.TutorAPIURL)
	}

	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.TutorTimeout},
		circuitBreaker: resilience.NewCircuitBreaker(breakerName, resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.CircuitBreakerMaxFailures,
			ResetTimeout: cfg.CircuitBreakerResetTimeout,
			// A 4xx means the service is up and rejected this request.
			IsFailure: resilience.IsTransient,
			OnStateChange: func(name string, state resilience.CircuitState) {
				observability.UpdateCircuitBreakerState(name, int(state))
			},
		}),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryInitialBackoff,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "tutor_client").Logger(),
	}, nil
}

// DefaultSettings returns the conversation preferences configured for new streams.
func DefaultSettings(cfg *config.Config) Settings {
	return Settings{
		Tempo:          cfg.DefaultTempo,
		Difficulty:     cfg.DefaultDifficulty,
		NativeLanguage: cfg.NativeLanguage,
		TargetLanguage: cfg.TargetLanguage,
	}
}

// Chat sends a text message and returns the updated conversation.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if err := req.Settings.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	var resp ChatResponse
	err = c.do(ctx, EndpointChat, func() (*http.Request, error) {
		httpReq, err := http.NewRequest(http.MethodPost, c.endpoint(EndpointChat), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitVoice uploads a finished recording as multipart form data.
func (c *Client) SubmitVoice(ctx context.Context, req VoiceRequest) (*VoiceResponse, error) {
	if req.Artifact.Size() < MinUploadSize {
		return nil, ErrRecordingTooShort
	}
	if err := req.Settings.Validate(); err != nil {
		return nil, err
	}

	body, contentType, err := encodeVoiceForm(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode voice request: %w", err)
	}

	var resp VoiceResponse
	err = c.do(ctx, EndpointVoice, func() (*http.Request, error) {
		httpReq, err := http.NewRequest(http.MethodPost, c.endpoint(EndpointVoice), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", contentType)
		return httpReq, nil
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func encodeVoiceForm(req VoiceRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio_file", req.Artifact.FileName())
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Artifact.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"tempo", strconv.FormatFloat(req.Settings.Tempo, 'f', -1, 64)},
		{"difficulty", req.Settings.Difficulty},
		{"native_language", req.Settings.NativeLanguage},
		{"target_language", req.Settings.TargetLanguage},
	}
	if req.ConversationID != "" {
		fields = append([][2]string{{"conversation_id", req.ConversationID}}, fields...)
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// do runs one request through the circuit breaker, retrying transient failures.
func (c *Client) do(ctx context.Context, endpoint string, build func() (*http.Request, error), out any) error {
	start := time.Now()
	logger := c.logger.With().Str("endpoint", endpoint).Logger()

	err := c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			req, err := build()
			if err != nil {
				return err
			}
			return c.send(req.WithContext(ctx), endpoint, out)
		}, c.retryConfig, resilience.IsTransient)
	})

	if err != nil {
		if resilience.IsTransient(err) {
			observability.IncrementCircuitBreakerFailures(breakerName)
		}
		logger.Error().Err(err).Dur("latency", time.Since(start)).Msg("Tutor request failed")
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}

	logger.Debug().Dur("latency", time.Since(start)).Msg("Tutor request completed")
	return nil
}

func (c *Client) send(req *http.Request, endpoint string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection-level failures are worth another attempt unless the caller gave up.
		if req.Context().Err() != nil {
			return err
		}
		return resilience.NewRetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		statusErr := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resilience.NewRetryableError(statusErr)
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) endpoint(name string) string {
	return c.baseURL.JoinPath(name).String()
}

// AudioURL resolves an audio path returned by the service against the API base.
// Absolute URLs are returned unchanged.
func (c *Client) AudioURL(path string) string {
	if path == "" {
		return ""
	}
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL.String() + path
}

// HealthCheck reports whether the service is currently accepting requests.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if state := c.circuitBreaker.GetState(); state == resilience.StateOpen {
		return false, fmt.Errorf("tutor circuit breaker is %s", state)
	}
	return true, nil
}
