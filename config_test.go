package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.toml")
	data := `
banner = "device::model=cfg;"
max_payload = 65536
max_backlog = 1048576
handshake_timeout = "3s"
keystore_path = "/var/lib/bridge/keys.db"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %s", err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}
	if c.Banner != "device::model=cfg;" {
		t.Errorf("banner %q", c.Banner)
	}
	if c.MaxPayload != 65536 {
		t.Errorf("max_payload %d", c.MaxPayload)
	}
	if c.MaxBacklog != 1048576 {
		t.Errorf("max_backlog %d", c.MaxBacklog)
	}
	if time.Duration(c.HandshakeTimeout) != 3*time.Second {
		t.Errorf("handshake_timeout %s", time.Duration(c.HandshakeTimeout))
	}
	if c.KeyStorePath != "/var/lib/bridge/keys.db" {
		t.Errorf("keystore_path %q", c.KeyStorePath)
	}
}

func TestConfigAsOption(t *testing.T) {
	c := &Config{
		Banner:           "device::",
		MaxPayload:       4096,
		HandshakeTimeout: duration(time.Second),
	}
	hub := NewHub(c)
	defer hub.Shutdown()

	if hub.banner != "device::" {
		t.Errorf("banner %q", hub.banner)
	}
	if hub.maxPayload != 4096 {
		t.Errorf("maxPayload %d", hub.maxPayload)
	}
	if hub.handshakeTimeout != time.Second {
		t.Errorf("handshakeTimeout %s", hub.handshakeTimeout)
	}
	// untouched fields keep their defaults
	if hub.maxBacklog != DefaultMaxBacklog {
		t.Errorf("maxBacklog %d", hub.maxBacklog)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Errorf("missing file accepted")
	}
}
