package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

const fluxProviderName = "flux"

// FluxOptions controls how the Flux client is configured.
type FluxOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Flux is a synchronous/poll-mode image back-end. Submissions return a task
// id that must be polled until the provider reports a terminal status. Tasks
// can be cancelled while queued.
type Flux struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewFlux constructs a Flux adapter with sane defaults.
func NewFlux(opts FluxOptions) *Flux {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.bfl.ai/v1"
	}
	return &Flux{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: client,
		logger:     opts.Logger,
	}
}

func (f *Flux) Name() string { return fluxProviderName }

func (f *Flux) Capabilities() Capabilities {
	return Capabilities{Synchronous: true, SupportsCancel: true}
}

type fluxSubmitRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type fluxSubmitResponse struct {
	ID string `json:"id"`
}

type fluxResultResponse struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Result   struct {
		Sample string `json:"sample"`
	} `json:"result"`
	Details string `json:"details"`
}

// Submit enqueues a generation task and returns its provider task id.
func (f *Flux) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.Kind != domain.JobKindImage {
		return nil, NewPermanentError(fluxProviderName, fmt.Errorf("unsupported kind %q", req.Kind))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewPermanentError(fluxProviderName, fmt.Errorf("prompt is required"))
	}

	model := req.Model
	if model == "" {
		model = "flux-dev"
	}
	payload := fluxSubmitRequest{Prompt: req.Prompt, AspectRatio: req.AspectRatio}

	var resp fluxSubmitResponse
	if err := f.invoke(ctx, http.MethodPost, "/"+url.PathEscape(model), payload, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, NewTransientError(fluxProviderName, fmt.Errorf("submit returned no task id"))
	}

	if f.logger != nil {
		f.logger.Debug().
			Str("job_id", req.JobID).
			Str("task_ref", resp.ID).
			Str("model", model).
			Msg("flux: submission accepted")
	}
	return &Submission{TaskRef: resp.ID}, nil
}

// PollStatus checks one in-flight task.
func (f *Flux) PollStatus(ctx context.Context, taskRef string) (*PollResult, error) {
	var resp fluxResultResponse
	path := "/get_result?id=" + url.QueryEscape(taskRef)
	if err := f.invoke(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case "Ready":
		if resp.Result.Sample == "" {
			return nil, NewPermanentError(fluxProviderName, fmt.Errorf("task %s ready without sample", taskRef))
		}
		return &PollResult{
			Status:   StatusCompleted,
			Progress: 1,
			Result:   &Result{URL: resp.Result.Sample, Format: "image/png"},
		}, nil
	case "Error", "Content Moderated", "Request Moderated":
		msg := resp.Details
		if msg == "" {
			msg = "generation rejected by provider"
		}
		return &PollResult{Status: StatusFailed, Message: msg}, nil
	case "Pending":
		return &PollResult{Status: StatusPending, Progress: resp.Progress}, nil
	default:
		return &PollResult{Status: StatusProcessing, Progress: resp.Progress}, nil
	}
}

// Cancel aborts a queued task. Tasks that already started rendering are
// allowed to finish; the coordinator treats their late result as a no-op.
func (f *Flux) Cancel(ctx context.Context, taskRef string) error {
	path := "/cancel?id=" + url.QueryEscape(taskRef)
	return f.invoke(ctx, http.MethodPost, path, nil, &struct{}{})
}

func (f *Flux) invoke(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return NewPermanentError(fluxProviderName, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return NewPermanentError(fluxProviderName, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("X-Key", f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return NewTransientError(fluxProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return NewTransientError(fluxProviderName, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return NewTransientError(fluxProviderName, fmt.Errorf("rate limited"))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return NewPermanentError(fluxProviderName, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewTransientError(fluxProviderName, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ Adapter = (*Flux)(nil)
