package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-bridge/config"
)

func TestParseFlags(t *testing.T) {
	opts, _, err := parseFlags([]string{"-c", "/etc/go_bridge.yaml", "--backend", "unix:/run/app.sock", "-l", ":8080", "--listen", "127.0.0.1:8081", "-v"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "/etc/go_bridge.yaml" || opts.backend != "unix:/run/app.sock" || !opts.verbose {
		t.Fatalf("unexpected options %#v", opts)
	}
	if len(opts.listen) != 2 || opts.listen[1] != "127.0.0.1:8081" {
		t.Fatalf("unexpected listen flags %v", opts.listen)
	}

	if _, _, err := parseFlags([]string{"--no-such-flag"}); err == nil {
		t.Fatalf("expected unknown flag to fail")
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "go_bridge.yaml")
	if err := os.WriteFile(path, []byte("backend: 127.0.0.1:7000\nlisteners:\n  - port: 8000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := map[string]string{"BRIDGE_BACKEND": "127.0.0.1:7100", "APP_JWT_SECRET": "env-secret"}
	getenv := func(k string) string { return env[k] }

	cfg, err := loadConfig(&options{configPath: path}, getenv)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != "127.0.0.1:7100" {
		t.Fatalf("environment should override the file, got %q", cfg.Backend)
	}
	if cfg.Tunnel.JWTSecret != "env-secret" {
		t.Fatalf("jwt secret not taken from the environment")
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Port != 8000 {
		t.Fatalf("file listeners not kept: %#v", cfg.Listeners)
	}

	cfg, err = loadConfig(&options{configPath: path, backend: "unix:/flag.sock", listen: []string{":9001", ":9002"}}, getenv)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != "unix:/flag.sock" {
		t.Fatalf("flags should override the environment, got %q", cfg.Backend)
	}
	if len(cfg.Listeners) != 2 || cfg.Listeners[1] != (config.Listener{Port: 9002}) {
		t.Fatalf("listen flags not applied: %#v", cfg.Listeners)
	}

	if _, err := loadConfig(&options{configPath: path, listen: []string{"bogus"}}, getenv); err == nil {
		t.Fatalf("expected a malformed --listen to fail")
	}
	if _, err := loadConfig(&options{configPath: filepath.Join(dir, "missing.yaml")}, getenv); err == nil {
		t.Fatalf("expected a missing explicit config to fail")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.Log{Level: "info", Format: "json"}, false, &buf)
	logger.Debug("hidden")
	logger.Info("shown", "key", "value")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record at info level, got %q", buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if record["msg"] != "shown" || record["key"] != "value" {
		t.Fatalf("unexpected record %v", record)
	}

	buf.Reset()
	logger = newLogger(config.Log{Level: "warn", Format: "text"}, true, &buf)
	logger.Debug("verbose wins")
	if !strings.Contains(buf.String(), "verbose wins") {
		t.Fatalf("--verbose should force debug level, got %q", buf.String())
	}
}
