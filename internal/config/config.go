// Package config is CALLCORE's process configuration: identity key storage,
// libp2p listen settings, SFU client settings, and call/group-call timing
// values. The timing values are validated and saved, but internal/connection
// and internal/groupcall do not read them; those packages use their own
// constants.
//
// Grounded on internal/config/config.go's shape: a flat Config struct of
// small sub-structs, Default()/Validate()/Load()/Save()/Ensure(), JSON on
// disk via internal/util.WriteJSONFile.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ringcore/callcore/internal/util"
)

// Config is CALLCORE's top-level configuration.
type Config struct {
	Identity  Identity  `json:"identity"`
	P2P       P2P       `json:"p2p"`
	Sfu       Sfu       `json:"sfu"`
	Call      Call      `json:"call"`
	GroupCall GroupCall `json:"group_call"`
}

// Identity locates the long-term identity key of CALLCORE's libp2p host.
// The per-call X25519 keys are generated fresh and do not derive from it.
type Identity struct {
	KeyFile string `json:"key_file"`
}

// P2P configures the libp2p host carrying signaling streams
// (internal/transport/p2psignal).
type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

// Sfu configures the HTTP client joining/peeking group calls
// (internal/sfuclient).
type Sfu struct {
	BaseURL           string  `json:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	RequestBurst      int     `json:"request_burst"`
}

// Call holds 1:1 connection timing values (spec.md §4.2's timeouts);
// internal/connection does not read them.
type Call struct {
	RingTimeoutSec    int `json:"ring_timeout_seconds"`
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
}

// GroupCall holds peek cadence values (spec.md §4.4; see DESIGN.md's Open
// Question decision on peek polling cadence); the internal/groupcall peek
// scheduler does not read them.
type GroupCall struct {
	PeekIntervalSec      int `json:"peek_interval_seconds"`
	PeekRetryIntervalSec int `json:"peek_retry_interval_seconds"`
}

// RingTimeout returns Call.RingTimeoutSec as a time.Duration.
func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// ConnectTimeout returns Call.ConnectTimeoutSec as a time.Duration.
func (c Call) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// PeekInterval returns GroupCall.PeekIntervalSec as a time.Duration.
func (g GroupCall) PeekInterval() time.Duration {
	return time.Duration(g.PeekIntervalSec) * time.Second
}

// PeekRetryInterval returns GroupCall.PeekRetryIntervalSec as a time.Duration.
func (g GroupCall) PeekRetryInterval() time.Duration {
	return time.Duration(g.PeekRetryIntervalSec) * time.Second
}

// Default returns CALLCORE's default configuration.
func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "callcore-mdns",
		},
		Sfu: Sfu{
			BaseURL:           "",
			RequestsPerSecond: 20,
			RequestBurst:      10,
		},
		Call: Call{
			RingTimeoutSec:    60,
			ConnectTimeoutSec: 30,
		},
		GroupCall: GroupCall{
			PeekIntervalSec:      10,
			PeekRetryIntervalSec: 5,
		},
	}
}

// Validate reports the first configuration error found, if any.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Sfu.RequestsPerSecond <= 0 {
		return errors.New("sfu.requests_per_second must be > 0")
	}
	if c.Sfu.RequestBurst <= 0 {
		return errors.New("sfu.request_burst must be > 0")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_seconds must be > 0")
	}

	if c.GroupCall.PeekIntervalSec <= 0 {
		return errors.New("group_call.peek_interval_seconds must be > 0")
	}
	if c.GroupCall.PeekRetryIntervalSec <= 0 {
		return errors.New("group_call.peek_retry_interval_seconds must be > 0")
	}
	if c.GroupCall.PeekRetryIntervalSec >= c.GroupCall.PeekIntervalSec {
		return errors.New("group_call.peek_retry_interval_seconds must be < peek_interval_seconds")
	}

	return nil
}

// Load reads a Config from path, starting from Default() so missing JSON
// fields remain initialized, and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates cfg and writes it to path as indented JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path if present; otherwise it writes and
// returns Default(). The bool result reports whether a new file was created.
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
