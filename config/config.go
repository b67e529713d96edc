// Package config defines the YAML configuration of a voicechat peer or hub.
package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config is the top-level configuration document.
type Config struct {
	// Identity is the chat identity this peer logs in as.
	Identity string `yaml:"identity"`

	Log       LogConfig       `yaml:"log"`
	Chat      ChatConfig      `yaml:"chat"`
	Media     MediaConfig     `yaml:"media"`
	Audio     AudioConfig     `yaml:"audio"`
	Signaling SignalingConfig `yaml:"signaling"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Relay     RelayConfig     `yaml:"relay"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// ChatConfig configures the reliable channel that carries signaling.
type ChatConfig struct {
	// ServerAddr is the hub a peer dials.
	ServerAddr string `yaml:"server_addr"`
	// ListenAddr is where a hub accepts peers.
	ListenAddr  string        `yaml:"listen_addr"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Noise enables Noise NN encryption of hub links.
	Noise bool `yaml:"noise"`
}

// MediaConfig configures the per-call UDP transports.
type MediaConfig struct {
	// BasePort is the first port of the media range. Zero lets the OS pick.
	BasePort          int           `yaml:"base_port"`
	PortRange         int           `yaml:"port_range"`
	PortAttempts      int           `yaml:"port_attempts"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	DiscoveryWindow   int           `yaml:"discovery_window"`
	SocketBufferBytes int           `yaml:"socket_buffer_bytes"`
	MaxDatagram       int           `yaml:"max_datagram"`
	// AdvertiseHost overrides local address discovery when set.
	AdvertiseHost string `yaml:"advertise_host"`
}

// AudioConfig describes the capture format and playback queue bound.
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	BitsPerSample   int `yaml:"bits_per_sample"`
	ChunkSize       int `yaml:"chunk_size"`
	MaxQueuedFrames int `yaml:"max_queued_frames"`
}

// SignalingConfig tunes retries and session disposal.
type SignalingConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	DisposeGrace  time.Duration `yaml:"dispose_grace"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// RelayConfig configures the conference relay listener.
type RelayConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	JitterCapacity  int           `yaml:"jitter_capacity"`
	PlayoutInterval time.Duration `yaml:"playout_interval"`
	MaxMissedTicks  int           `yaml:"max_missed_ticks"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Chat: ChatConfig{
			ServerAddr:  "127.0.0.1:7300",
			ListenAddr:  ":7300",
			DialTimeout: 5 * time.Second,
			Noise:       true,
		},
		Media: MediaConfig{
			BasePort:          40000,
			PortRange:         1000,
			PortAttempts:      5,
			ReadTimeout:       100 * time.Millisecond,
			KeepAliveInterval: 30 * time.Second,
			DiscoveryWindow:   20,
			SocketBufferBytes: 1 << 20,
			MaxDatagram:       8192,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			BitsPerSample:   16,
			ChunkSize:       4096,
			MaxQueuedFrames: 100,
		},
		Signaling: SignalingConfig{
			RetryAttempts: 3,
			RetryBackoff:  500 * time.Millisecond,
			DisposeGrace:  3 * time.Second,
		},
		Relay: RelayConfig{
			JitterCapacity:  64,
			PlayoutInterval: 20 * time.Millisecond,
			MaxMissedTicks:  3,
		},
	}
}

// LogrusLevel parses the configured level, defaulting to Info.
func (l LogConfig) LogrusLevel() logrus.Level {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Apply configures the standard logrus logger from l.
func (l LogConfig) Apply() {
	logrus.SetLevel(l.LogrusLevel())
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
