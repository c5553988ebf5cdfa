package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults for the listening endpoints when the .env omits them.
const (
	DefaultServerIP  = "localhost"
	DefaultChatPort  = "5555"
	DefaultFilePort  = "5556"
	DefaultVideoPort = "5000"
	DefaultAudioPort = "5001"
	DefaultDataDir   = "shadow_nexus_data"
)

// Config holds validated environment configuration.
type Config struct {
	ServerIP  string
	ChatPort  string
	FilePort  string
	VideoPort string
	AudioPort string

	DataDir  string
	CertFile string
	KeyFile  string

	LogFile         string
	DevelopmentMode bool
	AllowedOrigins  []string

	// Rate limits, ulule format (count-PERIOD).
	RateLimitWsIP string
}

// Load reads environment variables (populated from the colocated .env by
// the caller) and returns a validated Config. Missing keys fall back to
// the LAN defaults; malformed ports are errors.
func Load() (*Config, error) {
	cfg := &Config{
		ServerIP:        getEnvOrDefault("SERVER_IP", DefaultServerIP),
		ChatPort:        getEnvOrDefault("CHAT_PORT", DefaultChatPort),
		FilePort:        getEnvOrDefault("FILE_PORT", DefaultFilePort),
		VideoPort:       getEnvOrDefault("VIDEO_PORT", DefaultVideoPort),
		AudioPort:       getEnvOrDefault("AUDIO_PORT", DefaultAudioPort),
		DataDir:         getEnvOrDefault("DATA_DIR", DefaultDataDir),
		CertFile:        getEnvOrDefault("CERT_FILE", "cert.pem"),
		KeyFile:         getEnvOrDefault("KEY_FILE", "key.pem"),
		LogFile:         os.Getenv("LOG_FILE"),
		DevelopmentMode: os.Getenv("DEVELOPMENT_MODE") == "true",
		AllowedOrigins:  splitOrigins(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitWsIP:   getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M"),
	}

	var errs []string
	for _, p := range []struct{ key, val string }{
		{"CHAT_PORT", cfg.ChatPort},
		{"FILE_PORT", cfg.FilePort},
		{"VIDEO_PORT", cfg.VideoPort},
		{"AUDIO_PORT", cfg.AudioPort},
	} {
		if !isValidPort(p.val) {
			errs = append(errs, fmt.Sprintf("%s must be a valid port number between 1 and 65535 (got '%s')", p.key, p.val))
		}
	}
	if cfg.ServerIP == "" {
		errs = append(errs, "SERVER_IP must not be empty")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// ChatAddr is the chat router bind address.
func (c *Config) ChatAddr() string { return c.ServerIP + ":" + c.ChatPort }

// FileAddr is the file relay bind address.
func (c *Config) FileAddr() string { return c.ServerIP + ":" + c.FilePort }

// VideoAddr is the signaling hub bind address.
func (c *Config) VideoAddr() string { return c.ServerIP + ":" + c.VideoPort }

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// splitOrigins parses the comma-separated ALLOWED_ORIGINS value.
func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvOrDefault returns the value of the environment variable or a
// default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}
