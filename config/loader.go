package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path on top of Default and
// returns the validated result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg holds a coherent set of values and returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if _, err := logrus.ParseLevel(cfg.Log.Level); cfg.Log.Level != "" && err != nil {
		errs = append(errs, fmt.Errorf("log.level %q is invalid", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	m := cfg.Media
	if m.BasePort < 0 || m.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("media.base_port %d is out of range", m.BasePort))
	}
	if m.PortRange <= 0 {
		errs = append(errs, errors.New("media.port_range must be positive"))
	}
	if m.BasePort > 0 && m.BasePort+m.PortRange+m.PortAttempts > 65536 {
		errs = append(errs, fmt.Errorf("media.base_port %d + port_range %d exceeds the port space", m.BasePort, m.PortRange))
	}
	if m.PortAttempts <= 0 {
		errs = append(errs, errors.New("media.port_attempts must be positive"))
	}
	if m.ReadTimeout <= 0 {
		errs = append(errs, errors.New("media.read_timeout must be positive"))
	}
	if m.KeepAliveInterval <= 0 {
		errs = append(errs, errors.New("media.keepalive_interval must be positive"))
	}
	if m.DiscoveryWindow <= 0 {
		errs = append(errs, errors.New("media.discovery_window must be positive"))
	}
	if m.MaxDatagram < 64 {
		errs = append(errs, fmt.Errorf("media.max_datagram %d is too small", m.MaxDatagram))
	}

	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate must be positive"))
	}
	if a.Channels <= 0 {
		errs = append(errs, errors.New("audio.channels must be positive"))
	}
	if a.BitsPerSample != 16 {
		errs = append(errs, fmt.Errorf("audio.bits_per_sample %d is unsupported; only 16 is implemented", a.BitsPerSample))
	}
	if a.ChunkSize <= 0 || a.ChunkSize%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d must be a positive even number", a.ChunkSize))
	}
	if a.ChunkSize > m.MaxDatagram {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d exceeds media.max_datagram %d", a.ChunkSize, m.MaxDatagram))
	}
	if a.MaxQueuedFrames <= 0 {
		errs = append(errs, errors.New("audio.max_queued_frames must be positive"))
	}

	s := cfg.Signaling
	if s.RetryAttempts < 0 {
		errs = append(errs, errors.New("signaling.retry_attempts must not be negative"))
	}
	if s.RetryBackoff < 0 {
		errs = append(errs, errors.New("signaling.retry_backoff must not be negative"))
	}
	if s.DisposeGrace < 0 {
		errs = append(errs, errors.New("signaling.dispose_grace must not be negative"))
	}

	r := cfg.Relay
	if r.ListenAddr != "" {
		if r.JitterCapacity <= 0 {
			errs = append(errs, errors.New("relay.jitter_capacity must be positive"))
		}
		if r.PlayoutInterval <= 0 {
			errs = append(errs, errors.New("relay.playout_interval must be positive"))
		}
		if r.MaxMissedTicks <= 0 {
			errs = append(errs, errors.New("relay.max_missed_ticks must be positive"))
		}
	}

	return errors.Join(errs...)
}
