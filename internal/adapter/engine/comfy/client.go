// Package comfy implements the render engine client against a
// ComfyUI-compatible HTTP contract: POST /prompt to submit a workflow,
// GET /history/{prompt_id} to poll for completion, GET /view to download an
// output. The engine has no webhook support, so completion is polled.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/config"
	"github.com/fairyhunter13/imageforge/internal/domain"
)

const rejectionBodyLimit = 500

// Client talks to the render engine. It holds no state beyond the base URL,
// an HTTP client, and polling/retry cadence.
type Client struct {
	baseURL       string
	http          *http.Client
	pollInterval  time.Duration
	submitTimeout time.Duration
	fetchTimeout  time.Duration

	retryBase     time.Duration
	retryMult     float64
	retryAttempts int
}

// New constructs a Client from configuration. Outbound requests are traced
// through otelhttp.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL:       cfg.EngineBaseURL,
		http:          &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		pollInterval:  cfg.EnginePollInterval,
		submitTimeout: cfg.EngineSubmitTimeout,
		fetchTimeout:  cfg.EngineFetchTimeout,
		retryBase:     cfg.EngineRetryBaseDelay,
		retryMult:     cfg.EngineRetryMultiplier,
		retryAttempts: cfg.EngineRetryMaxAttempts,
	}
}

// newBackoff returns the transient-error policy: capped exponential backoff
// with full jitter, bounded to a small number of attempts.
func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.Multiplier = c.retryMult
	bo.RandomizationFactor = 1
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// Submit posts the workflow document and returns the engine's prompt id.
// A non-2xx response is ErrEngineRejected with the body truncated; transport
// failures after bounded retries are ErrEngineUnavailable.
func (c *Client) Submit(ctx domain.Context, workflow []byte) (string, error) {
	start := time.Now()
	body, err := json.Marshal(map[string]json.RawMessage{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("op=engine.submit: %w", err)
	}

	var promptID string
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, rejectionBodyLimit))
			return backoff.Permanent(fmt.Errorf("engine returned %d: %s: %w",
				resp.StatusCode, string(msg), domain.ErrEngineRejected))
		}
		var out struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		promptID = out.PromptID
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		observability.ObserveEngineRequest("submit", "error", time.Since(start))
		if ctx.Err() != nil {
			return "", mapCtxErr("engine.submit", ctx.Err())
		}
		if errors.Is(err, domain.ErrEngineRejected) {
			return "", fmt.Errorf("op=engine.submit: %w", err)
		}
		return "", fmt.Errorf("op=engine.submit: %v: %w", err, domain.ErrEngineUnavailable)
	}
	observability.ObserveEngineRequest("submit", "ok", time.Since(start))
	return promptID, nil
}

// historyEntry mirrors the engine's per-prompt history record.
type historyEntry struct {
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

// AwaitCompletion polls the history endpoint at the configured cadence until
// the prompt finishes. Context cancellation maps to ErrCancelled, an elapsed
// deadline to ErrDeadlineExceeded, and repeated transport failures to
// ErrEngineUnavailable.
func (c *Client) AwaitCompletion(ctx domain.Context, promptID string) ([]domain.OutputRef, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	transportFailures := 0
	for {
		select {
		case <-ctx.Done():
			return nil, mapCtxErr("engine.await", ctx.Err())
		case <-ticker.C:
		}

		entry, found, err := c.pollHistory(ctx, promptID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, mapCtxErr("engine.await", ctx.Err())
			}
			transportFailures++
			if transportFailures >= c.retryAttempts {
				return nil, fmt.Errorf("op=engine.await: %v: %w", err, domain.ErrEngineUnavailable)
			}
			continue
		}
		transportFailures = 0
		if !found || !entry.Status.Completed {
			if found && entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("op=engine.await: prompt failed in engine: %w", domain.ErrEngineRejected)
			}
			continue
		}

		var refs []domain.OutputRef
		for _, out := range entry.Outputs {
			for _, img := range out.Images {
				refs = append(refs, domain.OutputRef{
					Filename:  img.Filename,
					Subfolder: img.Subfolder,
					Type:      img.Type,
				})
			}
		}
		return refs, nil
	}
}

func (c *Client) pollHistory(ctx context.Context, promptID string) (historyEntry, bool, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return historyEntry{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveEngineRequest("history", "error", time.Since(start))
		return historyEntry{}, false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observability.ObserveEngineRequest("history", "error", time.Since(start))
		return historyEntry{}, false, fmt.Errorf("history returned %d", resp.StatusCode)
	}
	// The engine keys the response by prompt id; an empty object means the
	// prompt has not finished yet.
	var hist map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		observability.ObserveEngineRequest("history", "error", time.Since(start))
		return historyEntry{}, false, err
	}
	observability.ObserveEngineRequest("history", "ok", time.Since(start))
	entry, ok := hist[promptID]
	return entry, ok, nil
}

// FetchArtifact downloads one output. A 404 is ErrArtifactMissing; transport
// failures after bounded retries are ErrEngineUnavailable.
func (c *Client) FetchArtifact(ctx domain.Context, ref domain.OutputRef) ([]byte, error) {
	start := time.Now()
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	var data []byte
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("output %q: %w", ref.Filename, domain.ErrArtifactMissing))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("view returned %d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		observability.ObserveEngineRequest("view", "error", time.Since(start))
		if ctx.Err() != nil {
			return nil, mapCtxErr("engine.fetch_artifact", ctx.Err())
		}
		if errors.Is(err, domain.ErrArtifactMissing) {
			return nil, fmt.Errorf("op=engine.fetch_artifact: %w", err)
		}
		return nil, fmt.Errorf("op=engine.fetch_artifact: %v: %w", err, domain.ErrEngineUnavailable)
	}
	observability.ObserveEngineRequest("view", "ok", time.Since(start))
	return data, nil
}

func mapCtxErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrDeadlineExceeded)
	}
	return fmt.Errorf("op=%s: %w", op, domain.ErrCancelled)
}
