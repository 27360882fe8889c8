package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "icelink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Compatibility != "rfc5389" {
		t.Errorf("compatibility default = %q", cfg.Compatibility)
	}
	if cfg.ListenAddr != "0.0.0.0:3478" {
		t.Errorf("listen_addr default = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level default = %q", cfg.LogLevel)
	}
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
stun_server: "198.51.100.1:3478"
compatibility: "rfc3489"
port_range_lo: 50000
port_range_hi: 50100
log_level: "debug"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StunServer != "198.51.100.1:3478" {
		t.Errorf("stun_server = %q", cfg.StunServer)
	}
	if cfg.Compatibility != "rfc3489" {
		t.Errorf("compatibility = %q", cfg.Compatibility)
	}
	if cfg.PortRangeLo != 50000 || cfg.PortRangeHi != 50100 {
		t.Errorf("port range = %d-%d", cfg.PortRangeLo, cfg.PortRangeHi)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ICELINK_STUN_SERVER", "203.0.113.5:3478")
	cfg, err := Load(writeConfig(t, `stun_server: "198.51.100.1:3478"`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StunServer != "203.0.113.5:3478" {
		t.Errorf("env override lost: %q", cfg.StunServer)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	for _, content := range []string{
		`compatibility: "rfc9999"`,
		`stun_server: "not-an-address"`,
		`turn_server: "198.51.100.1:3478"`, // missing credentials
		"port_range_lo: 100\nport_range_hi: 50\n",
		`turn_relay_type: "carrier-pigeon"`,
	} {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("config %q validated", content)
		}
	}
}
