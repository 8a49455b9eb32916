package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestBuildEmitsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, Options{Service: " stabled ", Env: "test", Level: "debug"})
	logger.Debug("position committed", "owner", "stbl1xyz", "auth_token", "eyJhbGciOi")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "stabled" || line["env"] != "test" {
		t.Fatalf("missing service fields: %v", line)
	}
	if line["severity"] != "DEBUG" || line["message"] != "position committed" {
		t.Fatalf("unexpected envelope: %v", line)
	}
	if line["owner"] != "stbl1xyz" {
		t.Fatalf("owner should not be redacted: %v", line["owner"])
	}
	if line["auth_token"] != RedactedValue {
		t.Fatalf("expected token to be redacted, got %v", line["auth_token"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, Options{Service: "stabled", Level: "warn"})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("warn line not emitted")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"Authorization", "jwt_secret", "database_dsn", "token"} {
		if !IsSensitive(key) {
			t.Fatalf("expected %s to be sensitive", key)
		}
	}
	for _, key := range []string{"owner", "collateral", "error", ""} {
		if IsSensitive(key) {
			t.Fatalf("expected %s to be public", key)
		}
	}
	if MaskValue("") != "" || MaskValue("x") != RedactedValue {
		t.Fatalf("unexpected mask values")
	}
}
