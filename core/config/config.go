package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"example.com/multiserversync/net/syncpkt"
	"example.com/multiserversync/net/udp"
)

// Duration is a time.Duration that is written as a Go duration string in
// configuration files, e.g. "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	x, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = x
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	LocalAddr   string   `toml:"local_address,omitempty"`
	Peers       []string `toml:"peers,omitempty"`
	ProjectID   string   `toml:"project_id,omitempty"`
	MetricsAddr string   `toml:"metrics_address,omitempty"`
	StatusAddr  string   `toml:"status_address,omitempty"`
	PeerStore   string   `toml:"peer_store,omitempty"`
	MDNS        bool     `toml:"mdns,omitempty"`
	MDNSName    string   `toml:"mdns_name,omitempty"`

	ProbeInterval       Duration `toml:"probe_interval,omitempty"`
	ProbeTimeout        Duration `toml:"probe_timeout,omitempty"`
	RecalibrateInterval Duration `toml:"recalibrate_interval,omitempty"`
	SweepInterval       Duration `toml:"sweep_interval,omitempty"`
	SilenceTimeout      Duration `toml:"silence_timeout,omitempty"`

	SampleWindow        int      `toml:"sample_window,omitempty"`
	MinWindow           int      `toml:"min_window,omitempty"`
	OutlierFactor       float64  `toml:"outlier_factor,omitempty"`
	OffsetGain          float64  `toml:"offset_gain,omitempty"`
	DriftGain           float64  `toml:"drift_gain,omitempty"`
	InitialUncertainty  Duration `toml:"initial_uncertainty,omitempty"`
	DegradedUncertainty Duration `toml:"degraded_uncertainty,omitempty"`
	SyncUncertainty     Duration `toml:"sync_uncertainty,omitempty"`
	MaxDriftPPM         float64  `toml:"max_drift_ppm,omitempty"`
	MaxTimeouts         int      `toml:"max_timeouts,omitempty"`

	MaxSlewRate   float64  `toml:"max_slew_rate,omitempty"`
	StepThreshold Duration `toml:"step_threshold,omitempty"`

	NumReceivers    int     `toml:"num_receivers,omitempty"`
	DSCP            uint8   `toml:"dscp,omitempty"`
	EventBuffer     int     `toml:"event_buffer,omitempty"`
	TargetFrameRate float64 `toml:"target_frame_rate,omitempty"`
}

var errInvalidConfig = errors.New("invalid configuration")

func Default() Config {
	return Config{
		LocalAddr:           fmt.Sprintf("0.0.0.0:%d", syncpkt.DefaultPort),
		MDNSName:            "multiserversync",
		ProbeInterval:       Duration{100 * time.Millisecond},
		ProbeTimeout:        Duration{time.Second},
		RecalibrateInterval: Duration{time.Second},
		SweepInterval:       Duration{time.Second},
		SilenceTimeout:      Duration{30 * time.Second},
		SampleWindow:        8,
		MinWindow:           3,
		OutlierFactor:       2.0,
		OffsetGain:          0.5,
		DriftGain:           0.1,
		InitialUncertainty:  Duration{time.Second},
		DegradedUncertainty: Duration{50 * time.Millisecond},
		SyncUncertainty:     Duration{50 * time.Millisecond},
		MaxDriftPPM:         500,
		MaxTimeouts:         5,
		MaxSlewRate:         0.05,
		StepThreshold:       Duration{100 * time.Millisecond},
		NumReceivers:        1,
		DSCP:                46,
		EventBuffer:         1024,
		TargetFrameRate:     60,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	switch {
	case c.ProbeInterval.Duration <= 0:
		return invalid("probe_interval must be positive")
	case c.ProbeTimeout.Duration <= 0:
		return invalid("probe_timeout must be positive")
	case c.RecalibrateInterval.Duration <= 0:
		return invalid("recalibrate_interval must be positive")
	case c.SweepInterval.Duration <= 0:
		return invalid("sweep_interval must be positive")
	case c.SilenceTimeout.Duration <= time.Duration(c.MaxTimeouts)*c.ProbeTimeout.Duration:
		return invalid("silence_timeout must exceed max_timeouts * probe_timeout")
	case c.SampleWindow < 1:
		return invalid("sample_window must be at least 1")
	case c.MinWindow < 1 || c.MinWindow > c.SampleWindow:
		return invalid("min_window must be in [1, sample_window]")
	case c.OutlierFactor <= 1:
		return invalid("outlier_factor must be greater than 1")
	case c.OffsetGain <= 0 || c.OffsetGain > 1:
		return invalid("offset_gain must be in (0, 1]")
	case c.DriftGain < 0 || c.DriftGain > 1:
		return invalid("drift_gain must be in [0, 1]")
	case c.InitialUncertainty.Duration <= 0:
		return invalid("initial_uncertainty must be positive")
	case c.DegradedUncertainty.Duration <= 0:
		return invalid("degraded_uncertainty must be positive")
	case c.SyncUncertainty.Duration <= 0:
		return invalid("sync_uncertainty must be positive")
	case c.MaxDriftPPM < 0:
		return invalid("max_drift_ppm must not be negative")
	case c.MaxTimeouts < 1:
		return invalid("max_timeouts must be at least 1")
	case c.MaxSlewRate <= 0 || c.MaxSlewRate >= 1:
		return invalid("max_slew_rate must be in (0, 1)")
	case c.StepThreshold.Duration < 0:
		return invalid("step_threshold must not be negative")
	case c.NumReceivers < 1:
		return invalid("num_receivers must be at least 1")
	case c.DSCP > udp.MaxDSCP:
		return invalid("dscp must be in [0, %d]", udp.MaxDSCP)
	case c.EventBuffer < 1:
		return invalid("event_buffer must be at least 1")
	case c.TargetFrameRate <= 0:
		return invalid("target_frame_rate must be positive")
	}
	if _, err := c.LocalAddrPort(); err != nil {
		return invalid("local_address: %v", err)
	}
	if _, err := c.Project(); err != nil {
		return invalid("project_id: %v", err)
	}
	return nil
}

func (c *Config) LocalAddrPort() (netip.AddrPort, error) {
	return netip.ParseAddrPort(c.LocalAddr)
}

// PeerAddrs resolves the configured peers. Host names are looked up once.
func (c *Config) PeerAddrs() ([]netip.AddrPort, error) {
	addrs := make([]netip.AddrPort, 0, len(c.Peers))
	for _, p := range c.Peers {
		a, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve peer %q: %w", p, err)
		}
		addrs = append(addrs, udp.AddrPort(a.AddrPort()))
	}
	return addrs, nil
}

func (c *Config) Project() (uuid.UUID, error) {
	if c.ProjectID == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(c.ProjectID)
}

func Parse(raw []byte) (Config, error) {
	cfg := Default()
	err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}
	return cfg, nil
}
