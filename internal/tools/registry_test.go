package tools

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("POST /broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "calendar backend down", http.StatusInternalServerError)
	})
	mux.HandleFunc("POST /text", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	mux.HandleFunc("POST /slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRegistry_RejectsBadEndpoints(t *testing.T) {
	for _, raw := range []string{"ftp://x/y", "/relative", "http://"} {
		if _, err := NewRegistry(map[string]string{"t": raw}, nil); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
	r, err := NewRegistry(map[string]string{"b": "http://h/b", "a": "https://h/a"}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "a" || !r.Has("b") || r.Has("c") {
		t.Errorf("unexpected registry %v", names)
	}
}

func TestInvoke(t *testing.T) {
	srv := newToolServer(t)
	r, err := NewRegistry(map[string]string{
		"echo":   srv.URL + "/echo",
		"broken": srv.URL + "/broken",
		"text":   srv.URL + "/text",
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := r.Invoke(ctx, "echo", `{"day":"mon"}`)
	if err != nil || string(out) != `{"day":"mon"}` {
		t.Errorf("echo: got %s, %v", out, err)
	}
	if out, err := r.Invoke(ctx, "echo", ""); err != nil || string(out) != "{}" {
		t.Errorf("empty args should send {}, got %s, %v", out, err)
	}

	_, err = r.Invoke(ctx, "broken", `{}`)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("expected StatusError 500, got %v", err)
	}

	if _, err := r.Invoke(ctx, "text", `{}`); err == nil {
		t.Error("expected non-JSON response to fail")
	}
	if _, err := r.Invoke(ctx, "missing", `{}`); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestInvoke_ContextCancelsRequest(t *testing.T) {
	srv := newToolServer(t)
	r, err := NewRegistry(map[string]string{"slow": srv.URL + "/slow"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := r.Invoke(ctx, "slow", `{}`); err == nil {
		t.Fatal("expected cancelled call to fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Invoke did not stop when ctx was cancelled")
	}
}
