package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/toolstream/pkg/types"
)

// Environment variables read by Load.
const (
	EnvConfig        = "TOOLSTREAM_CONFIG"
	EnvConfigContent = "TOOLSTREAM_CONFIG_CONTENT"
	EnvHost          = "TOOLSTREAM_HOST"
	EnvPort          = "TOOLSTREAM_PORT"
	EnvGracePeriod   = "TOOLSTREAM_GRACE_PERIOD"
	EnvAbandonPolicy = "TOOLSTREAM_ABANDON_POLICY"
	EnvLogLevel      = "TOOLSTREAM_LOG_LEVEL"
	EnvAnonymous     = "TOOLSTREAM_ANONYMOUS"
	// EnvAuthTokens is a comma separated list of token:subject pairs.
	EnvAuthTokens = "TOOLSTREAM_AUTH_TOKENS"
)

// configNames are the file names looked up in every config directory, in
// load order.
var configNames = []string{"toolstream.json", "toolstream.jsonc", "toolstream.yaml", "toolstream.yml"}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Default returns the built-in configuration.
func Default() *types.Config {
	anonymous := true
	return &types.Config{
		Server: types.ServerConfig{
			Host:              "127.0.0.1",
			Port:              4096,
			HeartbeatInterval: types.D(15 * time.Second),
			SessionRateLimit:  60,
			MaxBodyBytes:      4 << 20,
		},
		Session: types.SessionConfig{
			GracePeriod:    types.D(30 * time.Second),
			SendTimeout:    types.D(10 * time.Second),
			AbandonPolicy:  "keep",
			ReplayCapacity: 1000,
			ReplayMaxAge:   types.D(5 * time.Minute),
		},
		Auth: types.AuthConfig{Anonymous: &anonymous},
		Log:  types.LogConfig{Level: "info"},
	}
}

// Load loads configuration from multiple sources (later wins):
// 1. Built-in defaults
// 2. Global config (~/.config/toolstream/)
// 3. Project config (directory and directory/.toolstream/)
// 4. TOOLSTREAM_CONFIG file
// 5. TOOLSTREAM_CONFIG_CONTENT inline JSON
// 6. Environment variables
//
// Missing files are skipped; a file that exists but does not parse is an error.
func Load(directory string) (*types.Config, error) {
	config := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if err := loadConfigFile(path, config); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	for _, path := range SearchPaths(directory) {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	if configPath := os.Getenv(EnvConfig); configPath != "" {
		if err := loadOnce(configPath); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv(EnvConfigContent); content != "" {
		var inline types.Config
		data := interpolate(jsonc.ToJSON([]byte(content)), "", true)
		if err := json.Unmarshal(data, &inline); err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvConfigContent, err)
		}
		mergeConfig(config, &inline)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	return config, nil
}

// SearchPaths lists the config files Load looks at for directory, in order.
// TOOLSTREAM_CONFIG is not included.
func SearchPaths(directory string) []string {
	var dirs []string
	dirs = append(dirs, GetPaths().Config)
	if directory != "" {
		dirs = append(dirs, directory, filepath.Join(directory, ".toolstream"))
	}

	var paths []string
	for _, dir := range dirs {
		for _, name := range configNames {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths
}

// loadConfigFile loads a single JSON, JSONC or YAML file with interpolation.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(path)

	var fileConfig types.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data = interpolate(data, baseDir, false)
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		data = interpolate(jsonc.ToJSON(data), baseDir, true)
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders. File
// contents are escaped for use inside a JSON string when jsonEscape is set.
func interpolate(data []byte, baseDir string, jsonEscape bool) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}
		value := strings.TrimRight(string(content), "\r\n")
		if !jsonEscape {
			return value
		}
		escaped, _ := json.Marshal(value)
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// mergeConfig merges non-zero fields of source into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}

	srv := source.Server
	if srv.Host != "" {
		target.Server.Host = srv.Host
	}
	if srv.Port != 0 {
		target.Server.Port = srv.Port
	}
	if len(srv.CORSOrigins) > 0 {
		target.Server.CORSOrigins = srv.CORSOrigins
	}
	if srv.HeartbeatInterval.Duration != 0 {
		target.Server.HeartbeatInterval = srv.HeartbeatInterval
	}
	if srv.SessionRateLimit != 0 {
		target.Server.SessionRateLimit = srv.SessionRateLimit
	}
	if srv.MaxBodyBytes != 0 {
		target.Server.MaxBodyBytes = srv.MaxBodyBytes
	}

	sess := source.Session
	if sess.GracePeriod.Duration != 0 {
		target.Session.GracePeriod = sess.GracePeriod
	}
	if sess.SendTimeout.Duration != 0 {
		target.Session.SendTimeout = sess.SendTimeout
	}
	if sess.AbandonPolicy != "" {
		target.Session.AbandonPolicy = sess.AbandonPolicy
	}
	if sess.ReplayCapacity != 0 {
		target.Session.ReplayCapacity = sess.ReplayCapacity
	}
	if sess.ReplayMaxAge.Duration != 0 {
		target.Session.ReplayMaxAge = sess.ReplayMaxAge
	}

	if source.Auth.Anonymous != nil {
		target.Auth.Anonymous = source.Auth.Anonymous
	}
	target.Auth.Tokens = append(target.Auth.Tokens, source.Auth.Tokens...)

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) error {
	if host := os.Getenv(EnvHost); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv(EnvPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		config.Server.Port = n
	}
	if grace := os.Getenv(EnvGracePeriod); grace != "" {
		d, err := time.ParseDuration(grace)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvGracePeriod, err)
		}
		config.Session.GracePeriod = types.D(d)
	}
	if policy := os.Getenv(EnvAbandonPolicy); policy != "" {
		config.Session.AbandonPolicy = policy
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		config.Log.Level = level
	}
	if anon := os.Getenv(EnvAnonymous); anon != "" {
		b, err := strconv.ParseBool(anon)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAnonymous, err)
		}
		config.Auth.Anonymous = &b
	}
	if tokens := os.Getenv(EnvAuthTokens); tokens != "" {
		for _, pair := range strings.Split(tokens, ",") {
			token, subject, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || token == "" || subject == "" {
				return fmt.Errorf("%s: want token:subject, got %q", EnvAuthTokens, pair)
			}
			config.Auth.Tokens = append(config.Auth.Tokens, types.TokenConfig{Token: token, Subject: subject})
		}
	}
	return nil
}

// Save writes the configuration as indented JSON.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
