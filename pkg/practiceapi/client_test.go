package practiceapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexops/practiceops/pkg/credential"
	"github.com/lexops/practiceops/pkg/fallback"
)

func staticCreds(token string) *credential.Manager {
	return credential.NewManager(credential.StaticProvider{Secret: token})
}

func TestGet_SendsBearerAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			http.Error(w, "bad auth "+got, http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/matters" || r.URL.Query().Get("status") != "open" {
			http.Error(w, "bad request "+r.URL.String(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"data":[1,2,3]}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/v1"}, staticCreds("tok-1"))
	if err != nil {
		t.Fatal(err)
	}
	body, err := c.Get(context.Background(), "matters", url.Values{"status": {"open"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != `{"data":[1,2,3]}` {
		t.Errorf("body = %s", body)
	}
}

func TestGet_ErrorBodies(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantAuth bool
	}{
		{"nested message", 401, `{"error":{"message":"token expired"}}`, "token expired", true},
		{"flat message", 500, `{"message":"database down"}`, "database down", false},
		{"oauth style", 403, `{"error":"invalid_token","error_description":"revoked"}`, "revoked", true},
		{"error string", 429, `{"error":"slow down"}`, "slow down", false},
		{"plain text", 502, "bad gateway\n", "bad gateway", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, _ := New(Config{BaseURL: srv.URL}, nil)
			_, err := c.Get(context.Background(), "x", nil)

			var se *fallback.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *fallback.StatusError", err)
			}
			if se.StatusCode != tt.status || se.Message != tt.wantMsg {
				t.Errorf("StatusError = %+v, want %d %q", se, tt.status, tt.wantMsg)
			}
			if got := fallback.IsAuthFailure(err); got != tt.wantAuth {
				t.Errorf("IsAuthFailure() = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestGet_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, RequestTimeout: 20 * time.Millisecond}, nil)
	_, err := c.Get(context.Background(), "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want deadline exceeded", err)
	}
}

func TestGet_RateLimited(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "{}")
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, RatePerSecond: 0.1, Burst: 1}, nil)
	if _, err := c.Get(context.Background(), "a", nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, "a", nil); err == nil {
		t.Error("second request should wait past the deadline")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

func TestClient_WithFallbackChainRefreshesToken(t *testing.T) {
	var tokens atomic.Int64
	provider := credential.ProviderFunc(func(context.Context) (credential.Credential, error) {
		n := tokens.Add(1)
		return credential.Credential{Secret: fmt.Sprintf("tok-%d", n), ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	creds := credential.NewManager(provider)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first token was rotated out server side.
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"token expired"}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL}, creds)
	chain := fallback.New(c.Credentials())

	data, err := chain.Fetch(context.Background(), "matters", c.Source("matters", nil), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("data = %s", data)
	}
	if tokens.Load() != 2 {
		t.Errorf("token fetches = %d, want 2", tokens.Load())
	}
}

func TestNew_InvalidBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "not a url"}, nil); err == nil {
		t.Error("expected error")
	}
}
