package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the toolstream configuration file.
// Every section is optional; unset fields keep their defaults.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Server  ServerConfig  `json:"server,omitempty" yaml:"server,omitempty"`
	Session SessionConfig `json:"session,omitempty" yaml:"session,omitempty"`
	Auth    AuthConfig    `json:"auth,omitempty" yaml:"auth,omitempty"`
	Log     LogConfig     `json:"log,omitempty" yaml:"log,omitempty"`
}

// ServerConfig holds HTTP transport settings.
type ServerConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// CORSOrigins lists allowed origins; empty allows all.
	CORSOrigins []string `json:"corsOrigins,omitempty" yaml:"corsOrigins,omitempty"`

	// HeartbeatInterval is the gap between SSE comment frames.
	HeartbeatInterval Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty"`

	// SessionRateLimit caps new sessions per client IP per minute. 0 disables it.
	SessionRateLimit int `json:"sessionRateLimit,omitempty" yaml:"sessionRateLimit,omitempty"`

	// MaxBodyBytes bounds a POSTed JSON-RPC message.
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty" yaml:"maxBodyBytes,omitempty"`
}

// SessionConfig holds session layer tunables.
type SessionConfig struct {
	GracePeriod   Duration `json:"gracePeriod,omitempty" yaml:"gracePeriod,omitempty"`
	SendTimeout   Duration `json:"sendTimeout,omitempty" yaml:"sendTimeout,omitempty"`
	AbandonPolicy string   `json:"abandonPolicy,omitempty" yaml:"abandonPolicy,omitempty"` // "keep"|"cancel"

	// Replay retention per channel.
	ReplayCapacity int      `json:"replayCapacity,omitempty" yaml:"replayCapacity,omitempty"`
	ReplayMaxAge   Duration `json:"replayMaxAge,omitempty" yaml:"replayMaxAge,omitempty"`
}

// AuthConfig holds the static credential store.
type AuthConfig struct {
	// Anonymous admits clients without a token.
	Anonymous *bool         `json:"anonymous,omitempty" yaml:"anonymous,omitempty"`
	Tokens    []TokenConfig `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// TokenConfig is one pre-provisioned bearer token.
type TokenConfig struct {
	Token   string `json:"token" yaml:"token"`
	Subject string `json:"subject" yaml:"subject"`
	// TTL of zero means the token never expires.
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
}

// Duration is a time.Duration written as "30s" in config files. Plain
// numbers are read as milliseconds.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(val * float64(time.Millisecond))
	case int:
		d.Duration = time.Duration(val) * time.Millisecond
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
	return nil
}
