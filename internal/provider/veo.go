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

const veoProviderName = "veo"

// VeoOptions controls how the Veo client is configured.
type VeoOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Veo is a webhook-driven video back-end. Submit registers a long-running
// operation with a callback; the provider posts the finished result to the
// webhook receiver, so the adapter's responsibility ends at submission.
// Billing starts as soon as the operation is accepted, so accepted tasks
// cannot be cancelled.
type Veo struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewVeo constructs a Veo adapter with sane defaults.
func NewVeo(opts VeoOptions) *Veo {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &Veo{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: client,
		logger:     opts.Logger,
	}
}

func (v *Veo) Name() string { return veoProviderName }

func (v *Veo) Capabilities() Capabilities {
	return Capabilities{Synchronous: false, SupportsCancel: false}
}

type veoSubmitRequest struct {
	Instances []veoInstance `json:"instances"`
	Callback  *veoCallback  `json:"callback,omitempty"`
}

type veoInstance struct {
	Prompt string `json:"prompt"`
}

type veoCallback struct {
	URL string `json:"url"`
	// Reference is echoed back in the webhook payload; it carries the job id
	// so the receiver can match the callback to its row.
	Reference string `json:"reference"`
}

type veoOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		VideoURI string `json:"videoUri"`
	} `json:"response,omitempty"`
}

// Submit starts a long-running generation and hands completion off to the
// webhook pipeline.
func (v *Veo) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.Kind != domain.JobKindVideo {
		return nil, NewPermanentError(veoProviderName, fmt.Errorf("unsupported kind %q", req.Kind))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewPermanentError(veoProviderName, fmt.Errorf("prompt is required"))
	}
	if req.CallbackURL == "" {
		return nil, NewPermanentError(veoProviderName, fmt.Errorf("callback url is required"))
	}

	model := req.Model
	if model == "" {
		model = "veo-2.0-generate-001"
	}
	payload := veoSubmitRequest{
		Instances: []veoInstance{{Prompt: req.Prompt}},
		Callback:  &veoCallback{URL: req.CallbackURL, Reference: req.JobID},
	}

	var op veoOperation
	path := fmt.Sprintf("/models/%s:predictLongRunning", url.PathEscape(model))
	if err := v.invoke(ctx, http.MethodPost, path, payload, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		return nil, NewTransientError(veoProviderName, fmt.Errorf("submit returned no operation name"))
	}

	if v.logger != nil {
		v.logger.Debug().
			Str("job_id", req.JobID).
			Str("task_ref", op.Name).
			Str("model", model).
			Msg("veo: operation accepted")
	}
	return &Submission{TaskRef: op.Name}, nil
}

// PollStatus reads the operation state directly. The coordinator never polls
// webhook-driven adapters; this exists for operator tooling and diagnostics.
func (v *Veo) PollStatus(ctx context.Context, taskRef string) (*PollResult, error) {
	var op veoOperation
	if err := v.invoke(ctx, http.MethodGet, "/"+strings.TrimLeft(taskRef, "/"), nil, &op); err != nil {
		return nil, err
	}
	if !op.Done {
		return &PollResult{Status: StatusProcessing}, nil
	}
	if op.Error != nil {
		return &PollResult{Status: StatusFailed, Message: op.Error.Message}, nil
	}
	if op.Response == nil || op.Response.VideoURI == "" {
		return nil, NewPermanentError(veoProviderName, fmt.Errorf("operation %s done without result", taskRef))
	}
	return &PollResult{
		Status:   StatusCompleted,
		Progress: 1,
		Result:   &Result{URL: op.Response.VideoURI, Format: "video/mp4"},
	}, nil
}

// Cancel is not supported: the provider begins consuming resources at
// submission.
func (v *Veo) Cancel(ctx context.Context, taskRef string) error {
	return ErrCancelUnsupported
}

func (v *Veo) invoke(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return NewPermanentError(veoProviderName, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return NewPermanentError(veoProviderName, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", v.apiKey)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return NewTransientError(veoProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return NewTransientError(veoProviderName, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return NewPermanentError(veoProviderName, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewTransientError(veoProviderName, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ Adapter = (*Veo)(nil)
