package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/speak/tts"
)

const defaultConfig = `# show debug logging
debug: false
# also write logs to this file
log_file: ""
# show live stream status
tui: false

# Generation backend
backend:
  # unix or tcp
  network: "unix"
  address: "~/.chatter/speak.sock"
  dial_timeout: "5s"
  model: "mlx-community/chatterbox-turbo-8bit"
  # 0.0 to 2.0
  temperature: 0.5
  # 0.25 to 4.0
  speed: 1.0
  # reference voice audio file
  # voice: "/path/to/voice.wav"

# Buffering thresholds, in seconds of audio
buffer:
  # buffered before playback starts
  initial_seconds: 3.0
  # rebuffering starts below this
  min_seconds: 1.0
  # playback resumes at this level
  resume_seconds: 2.0
  capacity_seconds: 30

# Output device
audio:
  sample_rate: 24000
  block_size: 1024
  # auto, oto or mock
  device: "auto"
  volume: 1.0

# Orchestration timings
playback:
  backpressure_interval: "10ms"
  backpressure_timeout: "30s"
  monitor_interval: "100ms"
  # 0 waits until playback ends
  finish_timeout: "0s"

# Metrics and traces, all off when empty
telemetry:
  # Prometheus endpoint, e.g. ":9464"
  metrics_addr: ""
  # OTLP gRPC collector, e.g. "localhost:4317"
  otlp_endpoint: ""
  otlp_insecure: false
  trace_stdout: false
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the speak config file",
	Long:    paragraph(fmt.Sprintf("\n%s the speak config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("speak config\nspeak config --config path/to/config.yml\nspeak config show"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Speak", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  paragraph(fmt.Sprintf("\n%s the configuration after merging the config file, environment and flags.", keyword("Print"))),
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := tts.LoadConfigFromViper()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("unable to encode config: %w", err)
		}
		return enc.Close()
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
