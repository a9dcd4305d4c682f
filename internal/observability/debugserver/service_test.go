package debugserver

import (
	"context"
	"io"
	"net/http"
	"runtime"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	logx "taskq/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not bind")
	return ""
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestReconfigureEnableDisable(t *testing.T) {
	reg := prom.NewRegistry()
	c := prom.NewCounter(prom.CounterOpts{Name: "taskq_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := New(Config{}, Sources{
		Gatherer: reg,
		Status:   func() any { return map[string]string{"mode": "thread"} },
		Messages: func(n int) any { return []int{n} },
	}, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		// Avoid leaking profiling knobs across tests.
		_ = runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		Metrics:              true,
		Token:                "s3cret",
		MutexProfileFraction: 7,
	}
	srv.Reconfigure(ctx, cfg)
	addr := waitForAddr(t, srv)
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("server not reachable: %v", err)
	}

	if got := runtime.SetMutexProfileFraction(-1); got != cfg.MutexProfileFraction {
		t.Fatalf("mutex profile fraction = %d, want %d", got, cfg.MutexProfileFraction)
	}

	if code, _ := get(t, "http://"+addr+"/metrics", ""); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /metrics = %d, want 401", code)
	}
	code, body := get(t, "http://"+addr+"/metrics", "s3cret")
	if code != http.StatusOK || !strings.Contains(body, "taskq_test_total 1") {
		t.Fatalf("/metrics = %d %q", code, body)
	}
	code, body = get(t, "http://"+addr+"/debug/status?token=s3cret", "")
	if code != http.StatusOK || !strings.Contains(body, `"mode": "thread"`) {
		t.Fatalf("/debug/status = %d %q", code, body)
	}
	code, body = get(t, "http://"+addr+"/debug/messages?n=7", "s3cret")
	if code != http.StatusOK || !strings.Contains(body, "7") {
		t.Fatalf("/debug/messages = %d %q", code, body)
	}
	if code, _ := get(t, "http://"+addr+"/debug/journal", "s3cret"); code != http.StatusNotFound {
		t.Fatalf("/debug/journal without source = %d, want 404", code)
	}

	srv.Reconfigure(ctx, Config{Enabled: false})
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("expected server to stop, still at %s", addr)
	}
	if srv.Supervisor() != nil {
		t.Fatal("supervisor still set after stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	srv := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })
	srv.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("insecure bind served at %s", addr)
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"":            "/debug/pprof/",
		"pprof":       "/pprof/",
		"/x/pprof/":   "/x/pprof/",
		" /x/pprof  ": "/x/pprof/",
	} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:1":        true,
		":6060":          false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
	if needsRestart(Config{Addr: "a"}, Config{Addr: "a", MemProfileRate: 4}) {
		t.Error("profile rate change should not restart")
	}
	if !needsRestart(Config{}, Config{Metrics: true}) {
		t.Error("metrics toggle should restart")
	}
}
