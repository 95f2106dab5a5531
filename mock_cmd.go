package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/speak/tts/engines/mock"
)

var (
	mockNetwork        string
	mockAddress        string
	mockSampleRate     int
	mockSecondsPerChar float64
	mockChunksPerSec   float64
	mockFrequency      float64

	mockBackendCmd = &cobra.Command{
		Use:     "mock-backend",
		Short:   "Serve a tone-generating backend for testing",
		Long:    paragraph(fmt.Sprintf("\nServe a %s that answers stream requests with a sine tone, one chunk per sentence.", keyword("mock generation backend"))),
		Example: paragraph("speak mock-backend --socket /tmp/speak.sock\nspeak --socket /tmp/speak.sock \"Hello there\""),
		Hidden:  true,
		Args:    cobra.NoArgs,
		RunE:    runMockBackend,
	}
)

func runMockBackend(cmd *cobra.Command, _ []string) error {
	addr := mockAddress
	if mockNetwork == "unix" {
		expanded, err := homedir.Expand(addr)
		if err != nil {
			return fmt.Errorf("expanding socket path: %w", err)
		}
		addr = expanded
	}

	cfg := mock.DefaultConfig()
	cfg.SampleRate = mockSampleRate
	cfg.SecondsPerChar = mockSecondsPerChar
	cfg.ChunksPerSecond = mockChunksPerSec
	cfg.Frequency = mockFrequency
	cfg.Logger = log.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mock.NewServer(cfg)
	err := srv.ListenAndServe(ctx, mockNetwork, addr)
	if mockNetwork == "unix" {
		_ = os.Remove(addr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("Mock backend stopped", "requests", len(srv.Requests()))
	return nil
}

func init() {
	d := mock.DefaultConfig()
	mockBackendCmd.Flags().StringVar(&mockNetwork, "network", "unix", "listen network: unix or tcp")
	mockBackendCmd.Flags().StringVar(&mockAddress, "socket", "~/.chatter/speak.sock", "socket path or tcp address")
	mockBackendCmd.Flags().IntVar(&mockSampleRate, "sample-rate", d.SampleRate, "generated sample rate")
	mockBackendCmd.Flags().Float64Var(&mockSecondsPerChar, "seconds-per-char", d.SecondsPerChar, "audio generated per character")
	mockBackendCmd.Flags().Float64Var(&mockChunksPerSec, "rate", 0, "chunks sent per second, 0 for unpaced")
	mockBackendCmd.Flags().Float64Var(&mockFrequency, "frequency", d.Frequency, "tone frequency in Hz")
}
