package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	// Clear any env vars that would override defaults
	keys := []string{
		"SERVER_PORT", "SERVER_ENV",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"VALKEY_URL",
		"AUTH_MODE", "JWT_SECRET", "JWT_ISSUER",
		"PROTOCOL_VERSION", "SUPPORTED_VERSIONS",
		"DEGRADED_FAILURE_THRESHOLD", "DEGRADED_RECOVERY_THRESHOLD", "DEGRADED_UNAVAILABLE_THRESHOLD",
		"DB_GUARD_FAILURE_THRESHOLD", "DB_GUARD_COOLDOWN",
		"PIPELINE_MAX_QUEUE", "SEQUENCE_SNAPSHOT_TTL",
		"RECONNECT_GRACE_DEFAULT", "RECONNECT_TOKEN_TTL", "RECONNECT_DELTA_WINDOW",
		"ROOM_NAME", "ROOM_MAX_CLIENTS", "WS_FLOOD_RATE", "WS_FLOOD_BURST",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}
	if cfg.DatabaseMaxConn != 25 {
		t.Errorf("DatabaseMaxConn = %d, want 25", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 5 {
		t.Errorf("DatabaseMinConn = %d, want 5", cfg.DatabaseMinConn)
	}
	if cfg.AuthMode != "dev" {
		t.Errorf("AuthMode = %q, want dev", cfg.AuthMode)
	}
	if cfg.ProtocolVersion != "1.0.0" {
		t.Errorf("ProtocolVersion = %q, want 1.0.0", cfg.ProtocolVersion)
	}
	if cfg.SupportedVersions != nil {
		t.Errorf("SupportedVersions = %v, want nil", cfg.SupportedVersions)
	}
	if cfg.DegradedFailureThreshold != 2 || cfg.DegradedRecoveryThreshold != 2 || cfg.DegradedUnavailableThreshold != 6 {
		t.Errorf("degraded thresholds = %d/%d/%d, want 2/2/6",
			cfg.DegradedFailureThreshold, cfg.DegradedRecoveryThreshold, cfg.DegradedUnavailableThreshold)
	}
	if cfg.DBGuardFailureThreshold != 3 || cfg.DBGuardCooldown != 15*time.Second {
		t.Errorf("guard = %d/%s, want 3/15s", cfg.DBGuardFailureThreshold, cfg.DBGuardCooldown)
	}
	if cfg.PipelineMaxQueue != 512 {
		t.Errorf("PipelineMaxQueue = %d, want 512", cfg.PipelineMaxQueue)
	}
	if cfg.SequenceSnapshotTTL != 10*time.Second {
		t.Errorf("SequenceSnapshotTTL = %s, want 10s", cfg.SequenceSnapshotTTL)
	}
	if cfg.ReconnectGraceDefault != 60*time.Second {
		t.Errorf("ReconnectGraceDefault = %s, want 60s", cfg.ReconnectGraceDefault)
	}
	if cfg.ReconnectTokenTTL != 5*time.Minute {
		t.Errorf("ReconnectTokenTTL = %s, want 5m", cfg.ReconnectTokenTTL)
	}
	if cfg.ReconnectDeltaWindow != 32 {
		t.Errorf("ReconnectDeltaWindow = %d, want 32", cfg.ReconnectDeltaWindow)
	}
	if cfg.RoomName != "global" || cfg.RoomMaxClients != 120 {
		t.Errorf("room = %q/%d, want global/120", cfg.RoomName, cfg.RoomMaxClients)
	}
	if cfg.WSFloodRate != 20 || cfg.WSFloodBurst != 40 {
		t.Errorf("flood = %v/%d, want 20/40", cfg.WSFloodRate, cfg.WSFloodBurst)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("DATABASE_MAX_CONNS", "50")
	t.Setenv("PROTOCOL_VERSION", "1.2.0")
	t.Setenv("SUPPORTED_VERSIONS", "1.1.0, 1.0.0")
	t.Setenv("ROOM_MAX_CLIENTS", "40")
	t.Setenv("RECONNECT_TOKEN_TTL", "90s")
	t.Setenv("RECONNECT_DELTA_WINDOW", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true")
	}
	if cfg.DatabaseMaxConn != 50 {
		t.Errorf("DatabaseMaxConn = %d, want 50", cfg.DatabaseMaxConn)
	}
	if cfg.ProtocolVersion != "1.2.0" {
		t.Errorf("ProtocolVersion = %q, want 1.2.0", cfg.ProtocolVersion)
	}
	if len(cfg.SupportedVersions) != 2 || cfg.SupportedVersions[0] != "1.1.0" || cfg.SupportedVersions[1] != "1.0.0" {
		t.Errorf("SupportedVersions = %v, want [1.1.0 1.0.0]", cfg.SupportedVersions)
	}
	if cfg.RoomMaxClients != 40 {
		t.Errorf("RoomMaxClients = %d, want 40", cfg.RoomMaxClients)
	}
	if cfg.ReconnectTokenTTL != 90*time.Second {
		t.Errorf("ReconnectTokenTTL = %s, want 90s", cfg.ReconnectTokenTTL)
	}
	if cfg.ReconnectDeltaWindow != 16 {
		t.Errorf("ReconnectDeltaWindow = %d, want 16", cfg.ReconnectDeltaWindow)
	}
}

func TestLoadJWTModeRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_MODE", "jwt")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for short JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error %q does not mention JWT_SECRET", err.Error())
	}
}

func TestLoadRejectsUnknownAuthMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "basic")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for AUTH_MODE")
	}
	if !strings.Contains(err.Error(), "AUTH_MODE") {
		t.Errorf("error %q does not mention AUTH_MODE", err.Error())
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("error %q does not mention SERVER_PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("SERVER_PORT", "abc")
	t.Setenv("DATABASE_MAX_CONNS", "xyz")
	t.Setenv("DB_GUARD_COOLDOWN", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	for _, key := range []string{"SERVER_PORT", "DATABASE_MAX_CONNS", "DB_GUARD_COOLDOWN"} {
		if !strings.Contains(errStr, key) {
			t.Errorf("error missing %s, got: %s", key, errStr)
		}
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{ServerEnv: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}
