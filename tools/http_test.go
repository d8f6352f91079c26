package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTool_PostsArgumentsAndDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("missing configured header")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":` + string(body) + `}`))
	}))
	defer srv.Close()

	tool, err := NewHTTPTool(HTTPConfig{Name: "weather", Endpoint: srv.URL, Headers: map[string]string{"X-Api-Key": "k"}}, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPTool failed: %v", err)
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"site":"a"}`))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	m := out.(map[string]any)
	echo := m["echo"].(map[string]any)
	if echo["site"] != "a" {
		t.Fatalf("unexpected output: %#v", m)
	}
}

func TestHTTPTool_ServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tool, _ := NewHTTPTool(HTTPConfig{Name: "history", Endpoint: srv.URL}, srv.Client())
	_, err := tool.Execute(context.Background(), nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestHTTPTool_ClientErrorsAreNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad site", http.StatusBadRequest)
	}))
	defer srv.Close()

	tool, _ := NewHTTPTool(HTTPConfig{Name: "history", Endpoint: srv.URL}, srv.Client())
	_, err := tool.Execute(context.Background(), nil)
	if err == nil || errors.Is(err, ErrTransient) {
		t.Fatalf("expected non-transient error, got %v", err)
	}
}

func TestHTTPTool_Idempotency(t *testing.T) {
	no := false
	post, _ := NewHTTPTool(HTTPConfig{Name: "a", Endpoint: "http://x"}, nil)
	put, _ := NewHTTPTool(HTTPConfig{Name: "b", Endpoint: "http://x", Method: "put"}, nil)
	explicit, _ := NewHTTPTool(HTTPConfig{Name: "c", Endpoint: "http://x", Idempotent: &no}, nil)
	if !post.Idempotent() || put.Idempotent() || explicit.Idempotent() {
		t.Fatalf("unexpected idempotency: post=%v put=%v explicit=%v", post.Idempotent(), put.Idempotent(), explicit.Idempotent())
	}
}

func TestNewHTTPTool_Validation(t *testing.T) {
	if _, err := NewHTTPTool(HTTPConfig{Endpoint: "http://x"}, nil); err == nil {
		t.Fatalf("expected name error")
	}
	if _, err := NewHTTPTool(HTTPConfig{Name: "x"}, nil); err == nil {
		t.Fatalf("expected endpoint error")
	}
}
