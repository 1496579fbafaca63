package simclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quantlab/alphaflow/internal/domain"
	appredis "github.com/quantlab/alphaflow/internal/redis"
	"github.com/quantlab/alphaflow/pkg/retry"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultRetryAfter   = 30 * time.Second
	submitRateKey       = "sim-submit"
)

type submitEntry struct {
	ID       string          `json:"id"`
	Regular  string          `json:"regular"`
	Settings json.RawMessage `json:"settings"`
}

type batchState struct {
	Status   string       `json:"status"`
	Children []childState `json:"children"`
}

type childState struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

// HTTPClient drives the simulation REST API: one POST creates a batch,
// then the progress URL from the Location header is polled until every
// child simulation settles.
type HTTPClient struct {
	baseURL      string
	http         *http.Client
	logger       *slog.Logger
	limiter      appredis.RateLimiter
	pollInterval time.Duration
}

var _ Client = (*HTTPClient)(nil)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPDoer overrides the underlying HTTP client, mainly for tests.
func WithHTTPDoer(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithRateLimiter gates submissions through a shared Redis limiter so a
// fleet of workers respects the backend's submission quota together.
func WithRateLimiter(l appredis.RateLimiter) HTTPOption {
	return func(h *HTTPClient) { h.limiter = l }
}

// WithPollInterval sets how often the progress URL is polled.
func WithPollInterval(d time.Duration) HTTPOption {
	return func(h *HTTPClient) { h.pollInterval = d }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = logger }
}

// NewHTTPClient creates a client for the simulation API at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Submit posts the batch and starts a polling goroutine that feeds the
// returned channel. When the shared rate limiter denies the submission
// the channel carries one rate_limited outcome per task instead.
func (h *HTTPClient) Submit(ctx context.Context, batch []*domain.Task) (<-chan Outcome, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("simclient: empty batch")
	}

	out := make(chan Outcome, len(batch)*2)

	if h.limiter != nil {
		ok, err := h.limiter.Allow(ctx, submitRateKey)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, submitting anyway",
				slog.String("error", err.Error()))
		} else if !ok {
			go func() {
				defer close(out)
				emitRateLimited(ctx, out, batch, defaultRetryAfter)
			}()
			return out, nil
		}
	}

	location, retryAfter, err := h.post(ctx, batch)
	if err != nil {
		close(out)
		return nil, err
	}
	if location == "" {
		// Backend throttled the whole batch at the door.
		go func() {
			defer close(out)
			emitRateLimited(ctx, out, batch, retryAfter)
		}()
		return out, nil
	}

	go h.poll(ctx, location, batch, out)
	return out, nil
}

// post creates the batch. A 429 is reported via a non-empty retryAfter
// with an empty location; other non-2xx codes are errors.
func (h *HTTPClient) post(ctx context.Context, batch []*domain.Task) (location string, retryAfter time.Duration, err error) {
	entries := make([]submitEntry, len(batch))
	for i, task := range batch {
		entries[i] = submitEntry{ID: task.ID, Regular: task.Regular, Settings: task.Payload}
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return "", 0, fmt.Errorf("simclient: marshal batch: %w", err)
	}

	err = retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		OnRetry: func(attempt int, err error) {
			h.logger.Warn("simulation submit failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			h.baseURL+"/simulations", bytes.NewReader(body))
		if reqErr != nil {
			return retry.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := h.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusCreated:
			location = resp.Header.Get("Location")
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("simulation API returned %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("simulation API rejected batch: %d", resp.StatusCode))
		}
	})
	if err != nil {
		return "", 0, fmt.Errorf("simclient: submit: %w", err)
	}
	return location, retryAfter, nil
}

// poll reads the progress URL until the batch settles or ctx ends.
// Terminal outcomes are emitted at most once per task.
func (h *HTTPClient) poll(ctx context.Context, location string, batch []*domain.Task, out chan<- Outcome) {
	defer close(out)

	settled := make(map[string]bool, len(batch))
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		state, wait, err := h.fetchState(ctx, location)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("progress poll failed",
				slog.String("location", location),
				slog.String("error", err.Error()),
			)
		} else {
			for _, child := range state.Children {
				if settled[child.ID] {
					continue
				}
				outcome := childOutcome(child)
				if outcome.Kind.Terminal() {
					settled[child.ID] = true
				}
				select {
				case out <- outcome:
				case <-ctx.Done():
					return
				}
			}
			if len(settled) == len(batch) {
				return
			}
		}

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (h *HTTPClient) fetchState(ctx context.Context, location string) (*batchState, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("progress poll throttled")
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, 0, fmt.Errorf("progress poll returned %d", resp.StatusCode)
	}

	var state batchState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, 0, fmt.Errorf("decode progress: %w", err)
	}
	return &state, 0, nil
}

func childOutcome(child childState) Outcome {
	switch child.Status {
	case "COMPLETE":
		return Outcome{TaskID: child.ID, Kind: KindSuccess, Result: child.Result}
	case "ERROR", "FAIL", "FAILED":
		return Outcome{TaskID: child.ID, Kind: KindFailure, Message: child.Message}
	default:
		return Outcome{TaskID: child.ID, Kind: KindProgress}
	}
}

func emitRateLimited(ctx context.Context, out chan<- Outcome, batch []*domain.Task, after time.Duration) {
	if after <= 0 {
		after = defaultRetryAfter
	}
	for _, task := range batch {
		select {
		case out <- Outcome{TaskID: task.ID, Kind: KindRateLimited, RetryAfter: after}:
		case <-ctx.Done():
			return
		}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
