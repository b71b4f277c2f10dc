// Command livetalk runs a full-duplex voice conversation with a remote
// speech-to-speech service from the terminal.
//
// Usage:
//
//	livetalk [--config path] <command>
//
// Commands:
//
//	talk      - start a voice session with the configured persona
//	personas  - list the persona catalogue
//	devices   - list the audio devices PortAudio can see
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livetalk/internal/app"
	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/internal/persona"
	"github.com/MrWong99/livetalk/pkg/audio/portaudio"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "livetalk:", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "livetalk",
		Short:         "Real-time voice conversations with a speech-to-speech model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(newTalkCmd(), newPersonasCmd(), newDevicesCmd())
	return root
}

// ── talk ──────────────────────────────────────────────────────────────────────

func newTalkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Start a voice session",
		Long: `Start a voice session with the configured provider and persona.

While the session runs, type "m" and Enter to toggle the microphone and
"q" and Enter to end the conversation. Ctrl+C also ends it.

Example:
  livetalk talk --persona skeptic --voice Puck`,
		Args: cobra.NoArgs,
		RunE: runTalk,
	}
	cmd.Flags().String("persona", "", "persona style, overrides session.persona")
	cmd.Flags().String("voice", "", "provider voice, overrides session.voice")
	cmd.Flags().Bool("no-controls", false, "do not read terminal controls from stdin")
	return cmd
}

func runTalk(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if p, _ := cmd.Flags().GetString("persona"); p != "" {
		cfg.Session.Persona = p
	}
	if v, _ := cmd.Flags().GetString("voice"); v != "" {
		cfg.Session.Voice = v
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("livetalk starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	printStartupSummary(cmd, cfg)

	opts := []app.Option{
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.MetricsHandler()),
	}
	if noControls, _ := cmd.Flags().GetBool("no-controls"); !noControls {
		opts = append(opts, app.WithControlInput(cmd.InOrStdin()), app.WithControlOutput(cmd.OutOrStdout()))
	}

	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if info := application.Sessions().Info(); info.SessionID != "" {
		reason := ""
		if ctrl := application.Sessions().Current(); ctrl != nil {
			reason = ctrl.Reason()
		}
		slog.Info("goodbye", "session_id", info.SessionID, "reason", reason)
	}
	return runErr
}

// loadConfig wraps [config.Load] with a friendlier message for a missing file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
	}
	return cfg, err
}

// ── personas ──────────────────────────────────────────────────────────────────

func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the persona catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STYLE\tDESCRIPTION")
			for _, s := range persona.Styles() {
				fmt.Fprintf(w, "%s\t%s\n", s, persona.Description(s))
			}
			return w.Flush()
		},
	}
}

// ── devices ───────────────────────────────────────────────────────────────────

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Long: `List the input and output devices PortAudio can see. Use a substring of
a device name as audio.capture.device or audio.playback.device.

Requires a binary built with -tags portaudio.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devs, err := portaudio.Devices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOST API\tIN\tOUT\tRATE\tDEFAULT")
			for _, d := range devs {
				def := ""
				switch {
				case d.DefaultInput && d.DefaultOutput:
					def = "in,out"
				case d.DefaultInput:
					def = "in"
				case d.DefaultOutput:
					def = "out"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0f\t%s\n",
					d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def)
			}
			return w.Flush()
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.ErrOrStderr()
	fmt.Fprintln(out, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(out, "║        livetalk: startup summary      ║")
	fmt.Fprintln(out, "╠═══════════════════════════════════════╣")
	printRow(cmd, "Provider", joinModel(cfg.Provider.Name, cfg.Provider.Model))
	printRow(cmd, "Persona", cfg.Session.Persona)
	printRow(cmd, "Voice", orDefault(cfg.Session.Voice))
	printRow(cmd, "Capture", cfg.Audio.Capture.Backend)
	printRow(cmd, "Playback", cfg.Audio.Playback.Backend)
	printRow(cmd, "Lead time", cfg.Audio.Playback.LeadTime.String())
	if cfg.Session.IdleTimeout > 0 {
		printRow(cmd, "Idle timeout", cfg.Session.IdleTimeout.String())
	}
	if cfg.Server.ListenAddr != "" {
		printRow(cmd, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(out, "╚═══════════════════════════════════════╝")
}

func printRow(cmd *cobra.Command, key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "║  %-12s    : %-19s ║\n", key, value)
}

func joinModel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
