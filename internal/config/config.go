package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mvdham/capcast/internal/util"
)

type Config struct {
	Session Session `json:"session"`
	Signal  Signal  `json:"signal"`
	Relay   Relay   `json:"relay"`
	Capture Capture `json:"capture"`
	Log     Log     `json:"log"`
}

type Session struct {
	// HTTP bind address for the control API and bus bridge.
	HTTPAddr string `json:"http_addr"`

	// Directory for the session database and uploaded media.
	DataDir string `json:"data_dir"`

	// Directory watched for dropped media files. Files that appear
	// here are ingested into the playlist automatically.
	DropDir string `json:"drop_dir"`

	// Public URL of this host as reachable from a phone on the same
	// network, used for the join link. Example: http://192.168.1.10:8080
	PublicURL string `json:"public_url"`
}

type Signal struct {
	// Rendezvous websocket endpoint, e.g. ws://0.peerjs.com:443/  or a
	// self-hosted server.
	Endpoint string `json:"endpoint"`

	// Service API key; PeerJS servers default to "peerjs".
	Key string `json:"key"`
}

type Relay struct {
	// Websocket URL of the relay's capture socket.
	SocketURL string `json:"socket_url"`

	// HTTP URL of the relay's control endpoint.
	ControlURL string `json:"control_url"`
}

type Capture struct {
	// Chunk cadence in milliseconds. 0 = default (250).
	EmitIntervalMs int `json:"emit_interval_ms"`

	// Capture source: "camera" or "screen".
	Source string `json:"source"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Session: Session{
			HTTPAddr:  "127.0.0.1:8080",
			DataDir:   "data",
			DropDir:   "drop",
			PublicURL: "http://127.0.0.1:8080",
		},
		Signal: Signal{
			Endpoint: "ws://127.0.0.1:9000",
			Key:      "peerjs",
		},
		Relay: Relay{
			SocketURL:  "ws://127.0.0.1:3000",
			ControlURL: "http://127.0.0.1:3000/control",
		},
		Capture: Capture{
			EmitIntervalMs: 250,
			Source:         "camera",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Session.HTTPAddr) == "" {
		return errors.New("session.http_addr is required")
	}
	if strings.TrimSpace(c.Session.DataDir) == "" {
		return errors.New("session.data_dir is required")
	}
	if err := validateURL(c.Session.PublicURL, "http", "https"); err != nil {
		return fmt.Errorf("session.public_url: %w", err)
	}

	if err := validateURL(c.Signal.Endpoint, "ws", "wss"); err != nil {
		return fmt.Errorf("signal.endpoint: %w", err)
	}

	if err := validateURL(c.Relay.SocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("relay.socket_url: %w", err)
	}
	if err := validateURL(c.Relay.ControlURL, "http", "https"); err != nil {
		return fmt.Errorf("relay.control_url: %w", err)
	}

	if c.Capture.EmitIntervalMs < 0 || c.Capture.EmitIntervalMs > 10000 {
		return errors.New("capture.emit_interval_ms must be 0..10000")
	}
	switch c.Capture.Source {
	case "camera", "screen":
	default:
		return errors.New("capture.source must be \"camera\" or \"screen\"")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
