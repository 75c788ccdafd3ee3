package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/opsflow/pkg/xjson"
)

const maxResponseBytes = 4 << 20

// HTTPExecutor sends commands to a device gateway as JSON over HTTP.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

type gatewayRequest struct {
	Profile   *Profile `json:"profile"`
	Command   string   `json:"command"`
	Config    any      `json:"config,omitempty"`
	TimeoutMS int64    `json:"timeout_ms"`
}

type gatewayResponse struct {
	Output   string         `json:"output"`
	ExitCode int            `json:"exit_code"`
	Data     map[string]any `json:"data"`
	Error    string         `json:"error"`
}

func NewHTTPExecutor(baseURL, token string, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  logger.With("module", "device_gateway"),
	}
}

func (h *HTTPExecutor) Run(ctx context.Context, profile *Profile, command Command, timeout time.Duration) (*Result, error) {
	body, err := xjson.Marshal(gatewayRequest{
		Profile:   profile,
		Command:   command.Text,
		Config:    command.Config,
		TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	started := time.Now()

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrGatewayUnavailable, err)
	}

	var decoded gatewayResponse
	if len(raw) > 0 {
		if err := xjson.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("%w: invalid response body: %w", ErrGatewayUnavailable, err)
		}
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d %s", ErrGatewayUnavailable, resp.StatusCode, decoded.Error)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d %s", ErrCommandRejected, resp.StatusCode, decoded.Error)
	}

	result := &Result{
		Output:   decoded.Output,
		ExitCode: decoded.ExitCode,
		Data:     decoded.Data,
		Duration: time.Since(started),
	}

	h.logger.DebugContext(ctx, "command executed",
		"device", profile.Name, "exit_code", result.ExitCode, "duration", result.Duration)

	if result.ExitCode != 0 {
		return result, fmt.Errorf("%w: exit code %d: %s", ErrCommandFailed, result.ExitCode, result.Output)
	}

	return result, nil
}
