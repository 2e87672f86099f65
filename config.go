package bridge

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file-based counterpart to the programmatic options, for
// daemon-style deployments that configure the engine from a TOML file. A
// loaded Config is itself an Option.
type Config struct {
	// Banner advertised in our CNXN.
	Banner string `toml:"banner"`
	// MaxPayload advertised in our CNXN, bytes.
	MaxPayload uint32 `toml:"max_payload"`
	// MaxBacklog bounds per-socket buffering without credit, bytes.
	MaxBacklog int `toml:"max_backlog"`
	// HandshakeTimeout bounds CONNECTING and AUTHORIZING, e.g. "10s".
	HandshakeTimeout duration `toml:"handshake_timeout"`
	// KeyStorePath locates the trusted-key database. Opened by NewHub.
	KeyStorePath string `toml:"keystore_path"`
}

type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return &c, nil
}

// apply implements Option: zero-valued fields keep the hub's defaults.
func (c *Config) apply(h *Hub) {
	if c.Banner != "" {
		h.banner = c.Banner
	}
	if c.MaxPayload != 0 {
		h.maxPayload = c.MaxPayload
	}
	if c.MaxBacklog != 0 {
		h.maxBacklog = c.MaxBacklog
	}
	if c.HandshakeTimeout != 0 {
		h.handshakeTimeout = time.Duration(c.HandshakeTimeout)
	}
	if c.KeyStorePath != "" {
		h.keyStorePath = c.KeyStorePath
	}
}
