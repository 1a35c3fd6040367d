package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcptap/mcptap/internal/domain/registry"
)

func TestHealthService_ProbeOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    registry.HealthState
	}{
		{
			"healthy upstream",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{}}`))
			},
			registry.HealthUp,
		},
		{
			// An upstream that rejects ping still answered; it is reachable.
			"json-rpc rejection",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			registry.HealthUp,
		},
		{
			"server error",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			registry.HealthDown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			upstream := httptest.NewServer(tt.handler)
			defer upstream.Close()

			reg := newTestRegistry(t, nil)
			h := NewHealthService(reg, nil, time.Minute, testLogger())

			srv := &registry.Server{Name: "up", URL: upstream.URL}
			if got := h.probe(context.Background(), srv); got != tt.want {
				t.Errorf("probe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHealthService_ProbeUnreachable(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	h := NewHealthService(reg, &http.Client{Timeout: time.Second}, time.Minute, testLogger())

	srv := &registry.Server{Name: "down", URL: "http://127.0.0.1:1/mcp"}
	if got := h.probe(context.Background(), srv); got != registry.HealthDown {
		t.Errorf("probe() = %q, want down", got)
	}
}

func TestHealthService_ProbeAllRecordsResults(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{}}`))
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.Add(ctx, ServerSpec{Name: "alive", URL: upstream.URL}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Add(ctx, ServerSpec{Name: "dead", URL: "http://127.0.0.1:1/mcp"}); err != nil {
		t.Fatal(err)
	}

	h := NewHealthService(reg, &http.Client{Timeout: time.Second}, time.Minute, testLogger())
	h.probeAll(ctx)

	alive, _ := reg.Get("alive")
	if alive.Health != registry.HealthUp {
		t.Errorf("alive.Health = %q, want up", alive.Health)
	}
	if alive.LastHealthCheck.IsZero() {
		t.Error("alive.LastHealthCheck not recorded")
	}
	dead, _ := reg.Get("dead")
	if dead.Health != registry.HealthDown {
		t.Errorf("dead.Health = %q, want down", dead.Health)
	}
}

func TestHealthService_StartStop(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{}}`))
	}))
	defer upstream.Close()

	reg := newTestRegistry(t, nil)
	if _, err := reg.Add(context.Background(), ServerSpec{Name: "up", URL: upstream.URL}); err != nil {
		t.Fatal(err)
	}

	h := NewHealthService(reg, nil, 10*time.Millisecond, testLogger())
	h.Start(context.Background())

	// The loop probes immediately on start; poll until the result lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv, _ := reg.Get("up")
		if srv.Health == registry.HealthUp {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never recorded, state = %q", srv.Health)
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Stop() // must not hang
}

func TestHealthService_DisabledInterval(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	h := NewHealthService(reg, nil, 0, testLogger())
	h.Start(context.Background())
	h.Stop() // returns immediately when probing is disabled
}
