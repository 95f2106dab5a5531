// Package main provides the entry point for the speak CLI application.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/dgnsrekt/speak/internal/telemetry"
	"github.com/dgnsrekt/speak/tts"
	"github.com/dgnsrekt/speak/ui"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile    string
	tuiMode       bool
	debug         bool
	logFile       string
	fromClipboard bool

	closeLog = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "speak [TEXT]",
		Short: "Speak text aloud as it is generated",
		Long: paragraph(
			fmt.Sprintf("\nSpeak text through your speakers %s, streaming audio from a local generation backend.", keyword("while it is generated")),
		),
		Example:          paragraph("speak \"Hello there\"\necho \"Hello there\" | speak\nspeak --clipboard --tui"),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}
)

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	// grab config values from Viper
	debug = viper.GetBool("debug")
	tuiMode = viper.GetBool("tui")
	logFile = viper.GetString("log_file")

	closer, err := tts.SetupLogging(debug, logFile)
	if err != nil {
		return err
	}
	closeLog = closer

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
	}
	return nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to open file: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

// readText returns the text to speak from the clipboard, the arguments or
// a stdin pipe, in that order.
func readText(args []string) (string, error) {
	if fromClipboard {
		text, err := clipboard.ReadAll()
		if err != nil {
			return "", fmt.Errorf("unable to read clipboard: %w", err)
		}
		return text, nil
	}

	if len(args) > 0 {
		if len(args) == 1 && args[0] == "-" {
			return readAll(os.Stdin)
		}
		return strings.Join(args, " "), nil
	}

	if yes, err := stdinIsPipe(); err != nil {
		return "", err
	} else if yes {
		return readAll(os.Stdin)
	}

	return "", errors.New("nothing to speak: pass TEXT, pipe it to stdin or use --clipboard")
}

func readAll(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("unable to read from reader: %w", err)
	}
	return string(b), nil
}

func execute(cmd *cobra.Command, args []string) error {
	text, err := readText(args)
	if err != nil {
		return err
	}

	cfg, err := tts.LoadConfigFromViper()
	if err != nil {
		return err
	}
	req, err := cfg.Backend.NewRequest(text)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	providers, err := telemetry.Setup(ctx, telemetry.Options{
		MetricsAddr:  cfg.Telemetry.MetricsAddr,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		TraceStdout:  cfg.Telemetry.TraceStdout,
		Version:      Version,
	})
	if err != nil {
		return fmt.Errorf("unable to set up telemetry: %w", err)
	}
	defer func() {
		if err := providers.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Telemetry shutdown", "error", err)
		}
	}()

	metrics, err := tts.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}

	o, err := tts.New(cfg,
		tts.WithLogger(log.Default()),
		tts.WithMetrics(metrics),
		tts.WithTracerProvider(providers.TracerProvider),
	)
	if err != nil {
		return err
	}

	log.Debug("Speaking", "chars", len(req.Params.Text), "model", req.Params.Model, "socket", cfg.Backend.Address)

	var res *tts.StreamResult
	if tuiMode && term.IsTerminal(int(os.Stderr.Fd())) {
		model := ui.NewStatusModel(o, cfg.Buffer.CapacitySeconds, cfg.Audio.SampleRate)
		res, err = ui.Run(ctx, os.Stderr, model, func() (*tts.StreamResult, error) {
			return o.Run(ctx, req)
		})
	} else {
		res, err = o.Run(ctx, req)
	}

	if res != nil && (debug || tuiMode || err != nil) {
		printSummary(os.Stderr, res)
	}
	return err
}

// signalContext is cancelled on SIGINT or SIGTERM, with the signal as the
// cause.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			cancel(fmt.Errorf("signal: %s", sig))
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		cancel(nil)
	}
}

func main() {
	err := rootCmd.Execute()
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	d := tts.DefaultConfig()
	rootCmd.PersistentFlags().StringVar(&configFile, "config", configFile, "config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "show debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.Flags().BoolVarP(&tuiMode, "tui", "t", false, "show live stream status")
	rootCmd.Flags().BoolVarP(&fromClipboard, "clipboard", "c", false, "speak the clipboard contents")
	rootCmd.Flags().StringP("model", "m", d.Backend.Model, "generation model")
	rootCmd.Flags().String("voice", "", "reference voice audio file")
	rootCmd.Flags().Float64P("speed", "s", d.Backend.Speed, "speaking speed (0.25 to 4.0)")
	rootCmd.Flags().Float64("temperature", d.Backend.Temperature, "sampling temperature (0.0 to 2.0)")
	rootCmd.Flags().String("socket", d.Backend.Address, "backend socket path")
	rootCmd.Flags().String("device", d.Audio.Device, "audio device: auto, oto or mock")
	rootCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")

	// Config bindings
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("tui", rootCmd.Flags().Lookup("tui"))
	_ = viper.BindPFlag("backend.model", rootCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("backend.voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("backend.speed", rootCmd.Flags().Lookup("speed"))
	_ = viper.BindPFlag("backend.temperature", rootCmd.Flags().Lookup("temperature"))
	_ = viper.BindPFlag("backend.address", rootCmd.Flags().Lookup("socket"))
	_ = viper.BindPFlag("audio.device", rootCmd.Flags().Lookup("device"))
	_ = viper.BindPFlag("telemetry.metrics_addr", rootCmd.Flags().Lookup("metrics-addr"))

	viper.SetDefault("debug", false)
	viper.SetDefault("tui", false)
	viper.SetDefault("log_file", "")
	tts.SetDefaults()

	rootCmd.AddCommand(configCmd, manCmd, mockBackendCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "speak")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "speak")}, dirs...)
	}

	if c := os.Getenv("SPEAK_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("speak")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("speak")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		configFile = used
		return
	}

	configFile = filepath.Join(dirs[0], "speak.yml")
}
