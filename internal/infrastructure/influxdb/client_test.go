package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/config"
)

// fakeInflux answers /ping and records line protocol written to /api/v2/write.
type fakeInflux struct {
	*httptest.Server

	mu    sync.Mutex
	lines []string
	query []string
}

func newFakeInflux(t *testing.T, writeStatus int) *fakeInflux {
	t.Helper()
	f := &fakeInflux{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.query = append(f.query, r.URL.RawQuery)
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if line != "" {
					f.lines = append(f.lines, line)
				}
			}
			f.mu.Unlock()
			if writeStatus != http.StatusNoContent {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(writeStatus)
				_, _ = io.WriteString(w, `{"code":"invalid","message":"rejected"}`)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "home",
		Bucket:        "loxone",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	if _, err := Connect(context.Background(), cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := Connect(ctx, testConfig(url)); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteState(t *testing.T) {
	fake := newFakeInflux(t, http.StatusNoContent)

	cfg := testConfig(fake.URL)
	cfg.BatchSize = 0     // default
	cfg.FlushInterval = 0 // default

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ts := time.Unix(1767225600, 0)
	client.WriteState("living_room/lights/main_light", "ctl-1", 1.0, ts)
	client.WriteState("kuche/shading/blinds", "ctl-2", true, ts)
	client.WriteState("miniserver/global/operating_mode", "", "Holiday", ts)
	client.WriteState("lighting/controller", "ctl-3", nil, ts)
	client.Flush()

	lines := fake.written()
	if len(lines) != 3 {
		t.Fatalf("written %d lines, want 3: %v", len(lines), lines)
	}

	wants := []string{
		"loxone_state,control_id=ctl-1,path=living_room/lights/main_light value=1 1767225600000000000",
		"loxone_state,control_id=ctl-2,path=kuche/shading/blinds value=1 1767225600000000000",
		`loxone_state,path=miniserver/global/operating_mode text="Holiday" 1767225600000000000`,
	}
	for i, want := range wants {
		if lines[i] != want {
			t.Errorf("line %d = %q, want %q", i, lines[i], want)
		}
	}

	fake.mu.Lock()
	query := fake.query[0]
	fake.mu.Unlock()
	if !strings.Contains(query, "bucket=loxone") || !strings.Contains(query, "org=home") {
		t.Errorf("write query = %q, want org and bucket", query)
	}
}

func TestWriteState_ErrorCallback(t *testing.T) {
	fake := newFakeInflux(t, http.StatusBadRequest)

	client, err := Connect(context.Background(), testConfig(fake.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	got := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case got <- err:
		default:
		}
	})

	client.WriteState("a/b/c", "id", 2.5, time.Now())
	client.Flush()

	select {
	case err := <-got:
		if err == nil {
			t.Error("callback received nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error not delivered to callback")
	}
}

func TestClose(t *testing.T) {
	fake := newFakeInflux(t, http.StatusNoContent)

	client, err := Connect(context.Background(), testConfig(fake.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}

	// Must not panic.
	client.WriteState("a/b/c", "id", 1.0, time.Now())
	client.Flush()
}

func TestClose_Nil(t *testing.T) {
	var client *Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true on nil client")
	}
}

func TestStatePoint(t *testing.T) {
	ts := time.Unix(100, 0)

	tests := []struct {
		name      string
		value     any
		wantOK    bool
		wantField string
		wantValue any
	}{
		{"float", 0.375, true, "value", 0.375},
		{"int", 3, true, "value", 3.0},
		{"bool true", true, true, "value", 1.0},
		{"bool false", false, true, "value", 0.0},
		{"text", "Sunny", true, "text", "Sunny"},
		{"nil", nil, false, "", nil},
		{"map", map[string]any{"a": 1}, false, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := statePoint("a/b/c", "id", tt.value, ts)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if p.Name() != Measurement {
				t.Errorf("Name() = %q, want %q", p.Name(), Measurement)
			}
			fields := p.FieldList()
			if len(fields) != 1 || fields[0].Key != tt.wantField || fields[0].Value != tt.wantValue {
				t.Errorf("fields = %+v, want %s=%v", fields[0], tt.wantField, tt.wantValue)
			}
			if !p.Time().Equal(ts) {
				t.Errorf("Time() = %v, want %v", p.Time(), ts)
			}
		})
	}
}
