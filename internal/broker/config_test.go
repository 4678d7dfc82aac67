package broker

import "testing"

func TestConfigValidateRejectsBadRateLimits(t *testing.T) {
	cfg := &Config{
		Addr:               "127.0.0.1:8889",
		DefaultBufferSize:  100,
		MaxConnections:     10,
		CommandRateBurst:   0,
		CommandRatePerSec:  10,
		CPURejectThreshold: 90,
		LogLevel:           "info",
		LogFormat:          "json",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero command rate burst")
	}
}

func TestConfigValidateRejectsBadCPUThreshold(t *testing.T) {
	cfg := &Config{
		Addr:               "127.0.0.1:8889",
		DefaultBufferSize:  100,
		MaxConnections:     10,
		CommandRateBurst:   10,
		CommandRatePerSec:  10,
		CPURejectThreshold: 150,
		LogLevel:           "info",
		LogFormat:          "json",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range CPU threshold")
	}
}

func TestConfigValidateAcceptsDefaults(t *testing.T) {
	cfg := &Config{
		Addr:               "127.0.0.1:8889",
		DefaultBufferSize:  1000,
		MaxConnections:     10000,
		CommandRateBurst:   200,
		CommandRatePerSec:  50,
		CPURejectThreshold: 90,
		LogLevel:           "info",
		LogFormat:          "json",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestConfigValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{
		Addr:               "127.0.0.1:8889",
		DefaultBufferSize:  1000,
		MaxConnections:     10000,
		CommandRateBurst:   200,
		CommandRatePerSec:  50,
		CPURejectThreshold: 90,
		LogLevel:           "verbose",
		LogFormat:          "json",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}
