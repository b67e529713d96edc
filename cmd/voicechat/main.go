// Package main runs a voice chat hub or peer from the command line.
//
// A hub routes chat envelopes between peers and can host the conference
// relay. A peer logs in to a hub, answers incoming calls and optionally
// places one call on startup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/voicechat"
	"github.com/opd-ai/voicechat/audio"
	"github.com/opd-ai/voicechat/audio/malgodev"
	"github.com/opd-ai/voicechat/chat"
	"github.com/opd-ai/voicechat/config"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/opd-ai/voicechat/relay"
	"github.com/opd-ai/voicechat/signaling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds the command-line flags.
type CLIConfig struct {
	mode       string
	configPath string
	identity   string
	call       string
	logLevel   string
	tone       bool
	autoAnswer bool
	help       bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(args []string) (*CLIConfig, error) {
	cli := &CLIConfig{}
	fs := flag.NewFlagSet("voicechat", flag.ContinueOnError)

	fs.StringVar(&cli.mode, "mode", "peer", "Run mode: hub or peer")
	fs.StringVar(&cli.configPath, "config", "", "YAML configuration file (default: built-in defaults)")
	fs.StringVar(&cli.identity, "identity", "", "Chat identity, overrides the configuration")
	fs.StringVar(&cli.call, "call", "", "Identity to call once logged in (peer mode)")
	fs.StringVar(&cli.logLevel, "log-level", "", "Log level, overrides the configuration")
	fs.BoolVar(&cli.tone, "tone", false, "Use a test tone and discard playback instead of sound cards")
	fs.BoolVar(&cli.autoAnswer, "auto-answer", true, "Accept incoming calls automatically")
	fs.BoolVar(&cli.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cli, nil
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("Voice Chat")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s -mode hub [-config hub.yaml]\n", os.Args[0])
	fmt.Printf("  %s -mode peer -identity alice [-call bob] [-tone]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Run with -h to list every option.")
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cli *CLIConfig) error {
	switch cli.mode {
	case "hub", "peer":
	default:
		return fmt.Errorf("invalid mode %q: must be hub or peer", cli.mode)
	}
	if cli.call != "" && cli.mode != "peer" {
		return errors.New("-call requires -mode peer")
	}
	return nil
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.Default()
	if cli.configPath != "" {
		loaded, err := config.Load(cli.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cli.identity != "" {
		cfg.Identity = cli.identity
	}
	if cli.logLevel != "" {
		cfg.Log.Level = cli.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if cli.mode == "peer" && cfg.Identity == "" {
		return nil, errors.New("peer mode requires an identity")
	}
	return cfg, nil
}

// serveMetrics exposes the default registry until ctx ends.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdown)
	}()
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"addr":     addr,
		}).Info("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"error":    err.Error(),
			}).Error("Metrics endpoint failed")
		}
	}()
}

func runHub(ctx context.Context, cfg *config.Config, collector *metrics.Collector) error {
	hub, err := chat.ListenHub(cfg.Chat.ListenAddr, cfg.Chat.Noise)
	if err != nil {
		return err
	}
	defer hub.Close()

	if cfg.Relay.ListenAddr != "" {
		server := relay.NewServer(relay.OptionsFromConfig(cfg.Relay, collector), func(f relay.Frame) {
			logrus.WithFields(logrus.Fields{
				"function": "runHub",
				"ssrc":     f.SSRC,
				"sequence": f.Sequence,
				"bytes":    len(f.Payload),
			}).Trace("Conference frame")
		})
		if err := server.Start(ctx); err != nil {
			return err
		}
		defer server.Close()
	}

	<-ctx.Done()
	return nil
}

// openDevices picks sound cards, or the tone generator when asked to or
// when no audio backend is available. The returned func releases them.
func openDevices(tone bool) (voicechat.Devices, func()) {
	if !tone {
		backend, err := malgodev.NewContext()
		if err == nil {
			return voicechat.Devices{
				Input:   backend.NewInput(),
				Outputs: backend.OutputFactory(),
			}, func() { backend.Close() }
		}
		logrus.WithFields(logrus.Fields{
			"function": "openDevices",
			"error":    err.Error(),
		}).Warn("No audio backend, falling back to test tone")
	}
	return voicechat.Devices{
		Input:   audio.NewToneInput(),
		Outputs: audio.NullOutputFactory,
	}, func() {}
}

func runPeer(ctx context.Context, cli *CLIConfig, cfg *config.Config, collector *metrics.Collector) error {
	devices, release := openDevices(cli.tone)
	defer release()

	peer, err := voicechat.Connect(ctx, *cfg, devices, collector)
	if err != nil {
		return err
	}
	defer peer.Close()

	peer.OnStateChange(func(s signaling.Session, from signaling.Status) {
		fmt.Printf("call %d: %s -> %s\n", s.CallID, from, s.Status)
	})
	peer.OnIncomingCall(func(s signaling.Session) {
		fmt.Printf("incoming call %d from %s\n", s.CallID, s.Initiator)
		var err error
		if cli.autoAnswer {
			err = peer.Accept(ctx, s.CallID)
		} else {
			err = peer.Reject(ctx, s.CallID)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runPeer",
				"call_id":  s.CallID,
				"error":    err.Error(),
			}).Error("Answering call failed")
		}
	})
	peer.OnText(func(from, text string) {
		fmt.Printf("<%s> %s\n", from, text)
	})

	if cli.call != "" {
		session, err := peer.Call(ctx, cli.call)
		if err != nil {
			return fmt.Errorf("call %s: %w", cli.call, err)
		}
		fmt.Printf("calling %s (call %d)\n", cli.call, session.CallID)
	}

	<-ctx.Done()
	return nil
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.help {
		printUsage()
		os.Exit(0)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	cfg.Log.Apply()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	serveMetrics(ctx, cfg.Metrics.ListenAddr)

	if cli.mode == "hub" {
		err = runHub(ctx, cfg, collector)
	} else {
		err = runPeer(ctx, cli, cfg, collector)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"mode":     cli.mode,
			"error":    err.Error(),
		}).Error("Exiting")
		os.Exit(1)
	}
}
