// Package tools ships the built-in tool factories seeded into the
// registry at startup: a plain HTTP GET, small text utilities and a sleep
// used by timeout tests. Real deployments add their own via manifests.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/registry"
	"github.com/iceos-ai/iceos/core/tools/urlguard"
)

// RegisterBuiltins installs the built-in factories and seeds their
// component definitions.
func RegisterBuiltins(ctx context.Context, r *registry.Registry) error {
	r.RegisterFactory("http_get", newHTTPGet)
	r.RegisterFactory("to_upper", newToUpper)
	r.RegisterFactory("echo", newEcho)
	r.RegisterFactory("sleep", newSleep)

	for _, def := range BuiltinDefinitions() {
		d := def
		if err := r.Seed(ctx, &d); err != nil {
			return err
		}
	}
	return nil
}

// BuiltinDefinitions returns the component definitions for the built-in
// tools.
func BuiltinDefinitions() []registry.Definition {
	return []registry.Definition{
		{Kind: registry.KindTool, Name: "http_get", Factory: "http_get",
			Description: "Fetch a URL with HTTP GET and return status and body"},
		{Kind: registry.KindTool, Name: "to_upper", Factory: "to_upper",
			Description: "Uppercase the text argument"},
		{Kind: registry.KindTool, Name: "echo", Factory: "echo",
			Description: "Return the arguments unchanged"},
		{Kind: registry.KindTool, Name: "sleep", Factory: "sleep",
			Description: "Sleep for duration_ms, observing cancellation"},
	}
}

type httpGetTool struct {
	client *http.Client
	guard  *urlguard.Guard
}

func newHTTPGet(def *registry.Definition) (registry.Tool, error) {
	timeout := 30 * time.Second
	if v, ok := def.Config["timeout_ms"].(float64); ok && v > 0 {
		timeout = time.Duration(v) * time.Millisecond
	}
	return &httpGetTool{
		client: &http.Client{Timeout: timeout},
		guard:  urlguard.New(),
	}, nil
}

func (t *httpGetTool) Name() string { return "http_get" }

func (t *httpGetTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, apperrors.New(apperrors.KindValidation, "http_get requires a url argument")
	}
	if err := t.guard.Check(url); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, err, "invalid url %q", url)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindToolExecution, err, "GET %s failed", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindToolExecution, err, "read response from %s", url)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

type toUpperTool struct{}

func newToUpper(*registry.Definition) (registry.Tool, error) { return toUpperTool{}, nil }

func (toUpperTool) Name() string { return "to_upper" }

func (toUpperTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	text, ok := args["text"].(string)
	if !ok {
		return nil, apperrors.New(apperrors.KindValidation, "to_upper requires a string text argument, got %T", args["text"])
	}
	return map[string]any{"text": strings.ToUpper(text)}, nil
}

type echoTool struct{}

func newEcho(*registry.Definition) (registry.Tool, error) { return echoTool{}, nil }

func (echoTool) Name() string { return "echo" }

func (echoTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out, nil
}

type sleepTool struct{}

func newSleep(*registry.Definition) (registry.Tool, error) { return sleepTool{}, nil }

func (sleepTool) Name() string { return "sleep" }

func (sleepTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	ms, _ := args["duration_ms"].(float64)
	if ms <= 0 {
		return nil, apperrors.New(apperrors.KindValidation, "sleep requires a positive duration_ms")
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
