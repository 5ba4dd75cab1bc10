package types

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDuration_JSONForms(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"30s"`, 30 * time.Second},
		{`"1m30s"`, 90 * time.Second},
		{`250`, 250 * time.Millisecond},
		{`null`, 0},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", tt.in, err)
		}
		if d.Duration != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, d.Duration, tt.want)
		}
	}

	var d Duration
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("expected error for boolean duration")
	}

	data, err := json.Marshal(D(2 * time.Second))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"2s"` {
		t.Errorf("Marshal = %s, want \"2s\"", data)
	}
}

func TestConfig_YAML(t *testing.T) {
	src := `
server:
  port: 4096
  heartbeatInterval: 15s
session:
  gracePeriod: 45s
  abandonPolicy: cancel
  replayCapacity: 500
auth:
  anonymous: false
  tokens:
    - token: abc
      subject: alice
      ttl: 1h
log:
  level: debug
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Port != 4096 {
		t.Errorf("Port = %d, want 4096", cfg.Server.Port)
	}
	if cfg.Server.HeartbeatInterval.Duration != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Server.HeartbeatInterval)
	}
	if cfg.Session.GracePeriod.Duration != 45*time.Second {
		t.Errorf("GracePeriod = %v", cfg.Session.GracePeriod)
	}
	if cfg.Session.AbandonPolicy != "cancel" {
		t.Errorf("AbandonPolicy = %q", cfg.Session.AbandonPolicy)
	}
	if cfg.Auth.Anonymous == nil || *cfg.Auth.Anonymous {
		t.Error("Anonymous should be set to false")
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].TTL.Duration != time.Hour {
		t.Errorf("Tokens = %+v", cfg.Auth.Tokens)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q", cfg.Log.Level)
	}

	out, err := yaml.Marshal(cfg.Session)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back SessionConfig
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal of marshalled YAML failed: %v", err)
	}
	if back.GracePeriod != cfg.Session.GracePeriod {
		t.Errorf("GracePeriod after YAML trip = %v", back.GracePeriod)
	}
}

func TestErrorResponse_Envelope(t *testing.T) {
	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: ErrCodeReplayGap, Message: "gone"}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"error":{"code":"REPLAY_GAP","message":"gone"}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}
