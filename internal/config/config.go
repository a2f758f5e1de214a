// Package config models the closed configuration surface of the telephony
// core (spec §6, §9 "Dynamic key/value configuration" design note). The
// core never accepts arbitrary string keys at its boundary: every option is
// a named field with a documented default, validated once at bootstrap.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ICEServer mirrors a WebRTC RTCIceServer entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config is the validated, immutable configuration object consumed by the
// Transport, Registrar Client, Session Store, Line Key Manager, Subscription
// Engine and Call Controller (spec §2 component table, row I). Nothing
// mutates it after bootstrap except the explicit setters below.
type Config struct {
	// SIP identity
	Server      string // hostname or full ws(s):// URL, required
	Username    string
	Password    string
	Domain      string
	DisplayName string // defaults to "<username>-365Connect"

	// Registration / reconnection
	RegisterExpires            int // seconds, default 300
	ReconnectionAttempts       int // default 5
	ReconnectionTimeoutSeconds int // default 10
	NoAnswerTimeoutSeconds     int // default 60

	// ICE / media
	IceGatheringTimeoutMs            int // default 500
	IceStopWaitingOnServerReflexive  bool // default true
	IceServers                       []ICEServer

	// Behavior
	AutoAnswer       bool // default false
	RecordCalls      bool // default false
	BusylightEnabled bool // default false
	RingSound        int  // 1-7
	RingVolume       int  // 0/25/50/75/100

	// mutable post-bootstrap via explicit setters only
	selectedInputDevice  string
	selectedOutputDevice string
}

// Option configures a Config built with New. Options are applied in order
// over the defaults, then Validate is run.
type Option func(*Config)

// WithServer sets the required server address.
func WithServer(server string) Option { return func(c *Config) { c.Server = server } }

// WithCredentials sets the SIP identity used to register.
func WithCredentials(username, password, domain string) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
		c.Domain = domain
	}
}

// WithDisplayName overrides the auto-derived display name.
func WithDisplayName(name string) Option { return func(c *Config) { c.DisplayName = name } }

// WithICEServers overrides the default STUN server list.
func WithICEServers(servers []ICEServer) Option {
	return func(c *Config) { c.IceServers = servers }
}

// WithBusylight enables the busy-light indicator sidecar.
func WithBusylight(enabled bool) Option { return func(c *Config) { c.BusylightEnabled = enabled } }

func defaults() *Config {
	return &Config{
		RegisterExpires:                 300,
		ReconnectionAttempts:            5,
		ReconnectionTimeoutSeconds:      10,
		NoAnswerTimeoutSeconds:          60,
		IceGatheringTimeoutMs:           500,
		IceStopWaitingOnServerReflexive: true,
		IceServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		RingSound:  1,
		RingVolume: 50,
	}
}

// New builds a Config from defaults plus the given options, and validates
// it before returning. This is the embedding entry point; Load (below) is
// the environment-variable entry point used by the demo cmd/ binary.
func New(opts ...Option) (*Config, error) {
	cfg := defaults()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.applyDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds a Config from environment variables, for the standalone demo
// binary under cmd/softphone. An embedder should prefer New with explicit
// Options instead: reading the process environment is appropriate only for
// a host process that owns this core directly, matching the teacher's
// config.Load() convention of env-overriding defaults.
func Load() (*Config, error) {
	cfg := defaults()

	cfg.Server = os.Getenv("CONNECT365_SERVER")
	cfg.Username = os.Getenv("CONNECT365_USERNAME")
	cfg.Password = os.Getenv("CONNECT365_PASSWORD")
	cfg.Domain = os.Getenv("CONNECT365_DOMAIN")
	cfg.DisplayName = os.Getenv("CONNECT365_DISPLAY_NAME")

	if v := os.Getenv("CONNECT365_REGISTER_EXPIRES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterExpires = n
		}
	}
	if v := os.Getenv("CONNECT365_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectionAttempts = n
		}
	}
	if v := os.Getenv("CONNECT365_RECONNECT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CONNECT365_BUSYLIGHT_ENABLED"); v != "" {
		cfg.BusylightEnabled = strings.EqualFold(v, "true") || v == "1"
	}

	cfg.applyDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDerivedDefaults() {
	if c.DisplayName == "" && c.Username != "" {
		c.DisplayName = c.Username + "-365Connect"
	}
}

// Validate fails synchronously on missing/invalid configuration before any
// transport is opened (spec §7, row 1).
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	if !isValidServerAddress(c.Server) {
		return fmt.Errorf("config: server %q is not a valid host or ws(s):// URL", c.Server)
	}
	if c.Username == "" {
		return fmt.Errorf("config: username is required")
	}
	if c.RegisterExpires <= 0 {
		return fmt.Errorf("config: registerExpires must be positive")
	}
	if c.ReconnectionAttempts < 0 {
		return fmt.Errorf("config: reconnectionAttempts must be non-negative")
	}
	if c.RingSound != 0 && (c.RingSound < 1 || c.RingSound > 7) {
		return fmt.Errorf("config: ringSound must be in 1..7")
	}
	switch c.RingVolume {
	case 0, 25, 50, 75, 100:
	default:
		return fmt.Errorf("config: ringVolume must be one of 0,25,50,75,100")
	}
	return nil
}

// isValidServerAddress accepts a bare hostname or a full ws(s):// URL, per
// the URL construction rule in spec §4.A.
func isValidServerAddress(server string) bool {
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		return len(server) > len("wss://")
	}
	return server != "" && !strings.Contains(server, "://")
}

// WebSocketURL derives the SIP-over-WebSocket endpoint per spec §4.A: a
// configured ws(s):// URL is used verbatim; a bare host is rewritten to
// wss://<server>:8089/ws.
func (c *Config) WebSocketURL() string {
	if strings.HasPrefix(c.Server, "ws://") || strings.HasPrefix(c.Server, "wss://") {
		return c.Server
	}
	return fmt.Sprintf("wss://%s:8089/ws", c.Server)
}

// SetSelectedInputDevice is the one permitted post-bootstrap mutator for
// the caller's chosen audio input device (spec §4.F "Device selection").
func (c *Config) SetSelectedInputDevice(deviceID string) { c.selectedInputDevice = deviceID }

// SetSelectedOutputDevice is the one permitted post-bootstrap mutator for
// the caller's chosen audio output device.
func (c *Config) SetSelectedOutputDevice(deviceID string) { c.selectedOutputDevice = deviceID }

// SelectedInputDevice returns the currently selected input device ID, or
// "" if none has been chosen.
func (c *Config) SelectedInputDevice() string { return c.selectedInputDevice }

// SelectedOutputDevice returns the currently selected output device ID, or
// "" if none has been chosen.
func (c *Config) SelectedOutputDevice() string { return c.selectedOutputDevice }
