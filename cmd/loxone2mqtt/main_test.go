package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/loxone2mqtt/internal/adaptor"
	"github.com/nerrad567/loxone2mqtt/internal/api"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/config"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// writeConfig writes a config file and points LOXONE2MQTT_CONFIG at it.
func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv(config.EnvConfigPath, path)
}

func TestRun_InvalidConfigPath(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_MissingMiniserverHost(t *testing.T) {
	writeConfig(t, `
bridge:
  name: loxone
mqtt:
  broker:
    host: 127.0.0.1
    port: 1883
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail without miniserver.host")
	}
	if !strings.Contains(err.Error(), "miniserver.host") {
		t.Errorf("error = %v, want mention of miniserver.host", err)
	}
}

func TestTokenCommand(t *testing.T) {
	writeConfig(t, `
miniserver:
  host: 192.168.1.77
api:
  security:
    jwt_secret: `+testSecret+`
    token_ttl: 30
`)

	var out bytes.Buffer
	if err := tokenCommand([]string{"-subject", "grafana"}, &out); err != nil {
		t.Fatalf("tokenCommand() error: %v", err)
	}

	claims, err := api.ParseToken(testSecret, strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if claims.Subject != "grafana" {
		t.Errorf("subject = %q, want grafana", claims.Subject)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("token has no expiry, want token_ttl")
	}
	if d := time.Until(claims.ExpiresAt.Time); d <= 25*time.Minute || d > 30*time.Minute {
		t.Errorf("expires in %v, want about 30m", d)
	}
}

func TestTokenCommand_NoExpiry(t *testing.T) {
	writeConfig(t, `
miniserver:
  host: 192.168.1.77
api:
  security:
    jwt_secret: `+testSecret+`
`)

	var out bytes.Buffer
	if err := tokenCommand([]string{"-ttl", "-1s"}, &out); err != nil {
		t.Fatalf("tokenCommand() error: %v", err)
	}
	claims, err := api.ParseToken(testSecret, strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if claims.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want none", claims.ExpiresAt)
	}
}

func TestTokenCommand_NoSecret(t *testing.T) {
	writeConfig(t, `
miniserver:
  host: 192.168.1.77
`)
	t.Setenv("LOXONE2MQTT_JWT_SECRET", "")

	if err := tokenCommand(nil, &bytes.Buffer{}); err == nil {
		t.Fatal("tokenCommand() should fail without a jwt secret")
	}
}

func TestTokenCommand_BadFlag(t *testing.T) {
	if err := tokenCommand([]string{"-nope"}, &bytes.Buffer{}); err == nil {
		t.Fatal("tokenCommand() should reject unknown flags")
	}
}

type fakeCheck struct{ err error }

func (f fakeCheck) HealthCheck(context.Context) error { return f.err }

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()

	if err := healthCheck(ctx, nil); err != nil {
		t.Errorf("healthCheck(nil) = %v", err)
	}

	down := errors.New("down")
	err := healthCheck(ctx, []namedCheck{
		{"mqtt", fakeCheck{}},
		{"influxdb", fakeCheck{err: down}},
		{"api", fakeCheck{err: errors.New("not reached")}},
	})
	if !errors.Is(err, down) {
		t.Fatalf("healthCheck() = %v, want %v", err, down)
	}
	if !strings.HasPrefix(err.Error(), "influxdb:") {
		t.Errorf("error = %q, want influxdb prefix", err)
	}
}

func TestInfluxSink_SkipsAbsentValues(t *testing.T) {
	sink := influxSink(nil)
	if err := sink.WriteState(context.Background(), adaptor.StateUpdate{Path: "a/b/c"}); err != nil {
		t.Errorf("WriteState() = %v", err)
	}
}
