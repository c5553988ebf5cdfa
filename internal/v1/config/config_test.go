package config

import (
	"os"
	"strings"
	"testing"
)

// setupTestEnv clears the config env vars and returns a restore func.
func setupTestEnv(t *testing.T) func() {
	t.Helper()
	keys := []string{
		"SERVER_IP", "CHAT_PORT", "FILE_PORT", "VIDEO_PORT", "AUDIO_PORT",
		"DATA_DIR", "CERT_FILE", "KEY_FILE", "LOG_FILE",
		"DEVELOPMENT_MODE", "ALLOWED_ORIGINS", "RATE_LIMIT_WS_IP",
	}

	origVars := make(map[string]string, len(keys))
	for _, key := range keys {
		origVars[key] = os.Getenv(key)
		os.Unsetenv(key)
	}

	return func() {
		for key, val := range origVars {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.ServerIP != DefaultServerIP {
		t.Errorf("Expected SERVER_IP to default to '%s', got '%s'", DefaultServerIP, cfg.ServerIP)
	}
	if cfg.ChatPort != DefaultChatPort {
		t.Errorf("Expected CHAT_PORT to default to '%s', got '%s'", DefaultChatPort, cfg.ChatPort)
	}
	if cfg.FilePort != DefaultFilePort {
		t.Errorf("Expected FILE_PORT to default to '%s', got '%s'", DefaultFilePort, cfg.FilePort)
	}
	if cfg.VideoPort != DefaultVideoPort {
		t.Errorf("Expected VIDEO_PORT to default to '%s', got '%s'", DefaultVideoPort, cfg.VideoPort)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Errorf("Expected DATA_DIR to default to '%s', got '%s'", DefaultDataDir, cfg.DataDir)
	}
	if cfg.DevelopmentMode {
		t.Error("Expected DEVELOPMENT_MODE to default to false")
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SERVER_IP", "192.168.1.20")
	os.Setenv("CHAT_PORT", "7555")
	os.Setenv("DATA_DIR", "/var/lib/nexus")
	os.Setenv("DEVELOPMENT_MODE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.ServerIP != "192.168.1.20" {
		t.Errorf("Expected SERVER_IP to be '192.168.1.20', got '%s'", cfg.ServerIP)
	}
	if cfg.ChatAddr() != "192.168.1.20:7555" {
		t.Errorf("Expected ChatAddr '192.168.1.20:7555', got '%s'", cfg.ChatAddr())
	}
	if cfg.FileAddr() != "192.168.1.20:5556" {
		t.Errorf("Expected FileAddr '192.168.1.20:5556', got '%s'", cfg.FileAddr())
	}
	if cfg.DataDir != "/var/lib/nexus" {
		t.Errorf("Expected DATA_DIR to be '/var/lib/nexus', got '%s'", cfg.DataDir)
	}
	if !cfg.DevelopmentMode {
		t.Error("Expected DEVELOPMENT_MODE to be true")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("CHAT_PORT", "99999")

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for invalid CHAT_PORT, got nil")
	}
	if !strings.Contains(err.Error(), "CHAT_PORT must be a valid port number") {
		t.Errorf("Expected error message about CHAT_PORT, got: %v", err)
	}
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("CHAT_PORT", "abc")
	os.Setenv("FILE_PORT", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for invalid ports, got nil")
	}
	if !strings.Contains(err.Error(), "CHAT_PORT") || !strings.Contains(err.Error(), "FILE_PORT") {
		t.Errorf("Expected both port errors to be reported, got: %v", err)
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://other.example.com ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("Expected 2 origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[0] != "https://app.example.com" || cfg.AllowedOrigins[1] != "https://other.example.com" {
		t.Errorf("Origins not trimmed correctly: %v", cfg.AllowedOrigins)
	}
}

func TestIsValidPort(t *testing.T) {
	tests := []struct {
		name     string
		port     string
		expected bool
	}{
		{"Valid low", "1", true},
		{"Valid common", "5555", true},
		{"Valid max", "65535", true},
		{"Zero", "0", false},
		{"Too large", "65536", false},
		{"Non-numeric", "abc", false},
		{"Empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidPort(tt.port); got != tt.expected {
				t.Errorf("isValidPort('%s') = %v, expected %v", tt.port, got, tt.expected)
			}
		})
	}
}
