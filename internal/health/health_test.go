package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	err := Fixed(false, "counter unavailable").Check(context.Background())
	if err == nil || err.Error() != "counter unavailable" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("default reason = %v", err)
	}
}

func TestAll(t *testing.T) {
	first := errors.New("first")
	p := All(nil, Fixed(true, ""), CheckFunc(func(context.Context) error { return first }), Fixed(false, "second"))
	if err := p.Check(context.Background()); !errors.Is(err, first) {
		t.Fatalf("All = %v, want first failure", err)
	}
	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("empty All = %v", err)
	}
}

func TestAny(t *testing.T) {
	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("Any with one passing = %v", err)
	}
	err := Any(Fixed(false, "a"), nil, Fixed(false, "b")).Check(context.Background())
	if err == nil || err.Error() != "b" {
		t.Fatalf("Any all failing = %v, want last failure", err)
	}
	if err := Any().Check(context.Background()); err != nil {
		t.Fatalf("empty Any = %v", err)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate = %v", err)
	}
	g.Close("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("closed gate = %v, want draining", err)
	}
	g.Open()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("reopened gate = %v", err)
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthy nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"unhealthy", HealthzHandler(Fixed(false, "broken")), http.StatusServiceUnavailable, "broken"},
		{"ready", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"not ready", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_PassesRequestContext(t *testing.T) {
	type key struct{}
	var seen any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		seen = ctx.Value(key{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/-/ready", nil)
	req = req.WithContext(context.WithValue(req.Context(), key{}, "v"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "v" {
		t.Fatalf("probe saw %v, want request context value", seen)
	}
}
