package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/PipeOpsHQ/insight-runtime/types"
)

const maxHTTPToolBody = 4 * 1024 * 1024

// HTTPConfig declares a tool backed by a JSON-over-HTTP endpoint. The call
// arguments are sent as the request body; a JSON response body becomes the
// tool output.
type HTTPConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Endpoint    string            `yaml:"endpoint"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	Schema      map[string]any    `yaml:"schema"`
	Idempotent  *bool             `yaml:"idempotent"`
}

type HTTPTool struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPTool(cfg HTTPConfig, client *http.Client) (*HTTPTool, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, fmt.Errorf("http tool name is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("http tool %q: endpoint is required", cfg.Name)
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Schema == nil {
		cfg.Schema = map[string]any{"type": "object"}
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTool{cfg: cfg, client: client}, nil
}

func (t *HTTPTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        t.cfg.Name,
		Description: t.cfg.Description,
		JSONSchema:  t.cfg.Schema,
	}
}

func (t *HTTPTool) Idempotent() bool {
	if t.cfg.Idempotent == nil {
		return t.cfg.Method == http.MethodGet || t.cfg.Method == http.MethodPost
	}
	return *t.cfg.Idempotent
}

func (t *HTTPTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var body io.Reader
	if len(args) > 0 && t.cfg.Method != http.MethodGet {
		body = bytes.NewReader(args)
	}
	req, err := http.NewRequestWithContext(ctx, t.cfg.Method, t.cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTransient, t.cfg.Name, err)
		}
		return nil, fmt.Errorf("%w: %s unreachable: %v", ErrTransient, t.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPToolBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %v", ErrTransient, t.cfg.Name, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %s", ErrTransient, t.cfg.Name, resp.Status)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s returned %s: %s", t.cfg.Name, resp.Status, strings.TrimSpace(string(raw)))
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw), nil
	}
	return out, nil
}
