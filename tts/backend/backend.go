// Package backend is the client side of the generation backend boundary:
// it dials the backend socket and sends the single request that starts a
// binary audio stream.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
)

// MethodStreamBinary asks the backend to answer with SPKR frames.
const MethodStreamBinary = "stream-binary"

// DefaultModel is the generation model used when none is configured.
const DefaultModel = "mlx-community/chatterbox-turbo-8bit"

var (
	// ErrEmptyText is returned when a request carries no text.
	ErrEmptyText = errors.New("no text provided")
	// ErrUnknownMethod is returned for requests the backend cannot serve.
	ErrUnknownMethod = errors.New("unknown method")
)

// Config describes how to reach the backend and what to ask it for.
type Config struct {
	Network     string        `yaml:"network" mapstructure:"network" env:"SPEAK_BACKEND_NETWORK"`
	Address     string        `yaml:"address" mapstructure:"address" env:"SPEAK_BACKEND_ADDRESS"`
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout" env:"SPEAK_BACKEND_DIAL_TIMEOUT"`
	Model       string        `yaml:"model" mapstructure:"model" env:"SPEAK_BACKEND_MODEL"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature" env:"SPEAK_BACKEND_TEMPERATURE"`
	Speed       float64       `yaml:"speed" mapstructure:"speed" env:"SPEAK_BACKEND_SPEED"`
	Voice       string        `yaml:"voice" mapstructure:"voice" env:"SPEAK_BACKEND_VOICE"`
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{
		Network:     "unix",
		Address:     "~/.chatter/speak.sock",
		DialTimeout: 5 * time.Second,
		Model:       DefaultModel,
		Temperature: 0.5,
		Speed:       1.0,
	}
}

// Validate checks if the backend configuration is valid.
func (c *Config) Validate() error {
	switch c.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("invalid backend network %q: must be unix or tcp", c.Network)
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("backend address cannot be empty")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %v", c.DialTimeout)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %f", c.Temperature)
	}
	if c.Speed < 0.25 || c.Speed > 4 {
		return fmt.Errorf("speed must be between 0.25 and 4.0, got %f", c.Speed)
	}
	return nil
}

// Params are the generation parameters of a request.
type Params struct {
	Text        string  `json:"text"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	Speed       float64 `json:"speed"`
	Voice       string  `json:"voice,omitempty"`
}

// Request is the single JSON line sent when a connection opens.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params Params `json:"params"`
}

// NewRequest builds a stream request for text from the configured
// generation parameters.
func (c Config) NewRequest(text string) (Request, error) {
	if strings.TrimSpace(text) == "" {
		return Request{}, ErrEmptyText
	}
	return Request{
		ID:     uuid.NewString(),
		Method: MethodStreamBinary,
		Params: Params{
			Text:        text,
			Model:       c.Model,
			Temperature: c.Temperature,
			Speed:       c.Speed,
			Voice:       c.Voice,
		},
	}, nil
}

// WriteRequest sends req as one JSON line.
func WriteRequest(w io.Writer, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	return nil
}

// ReadRequest reads one JSON line request. It is the backend side of
// WriteRequest.
func ReadRequest(r *bufio.Reader) (Request, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return Request{}, fmt.Errorf("reading request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	if req.Method != MethodStreamBinary {
		return req, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}
	return req, nil
}

// Dialer opens a connection to a generation backend.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Client dials the backend described by a Config.
type Client struct {
	network string
	address string
	timeout time.Duration
}

// NewClient creates a client. A leading ~ in a unix socket path is expanded
// to the home directory.
func NewClient(cfg Config) (*Client, error) {
	addr := cfg.Address
	if cfg.Network == "unix" {
		expanded, err := homedir.Expand(addr)
		if err != nil {
			return nil, fmt.Errorf("expanding socket path: %w", err)
		}
		addr = expanded
	}
	return &Client{network: cfg.Network, address: addr, timeout: cfg.DialTimeout}, nil
}

// Dial connects to the backend.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to backend at %s: %w", c.address, err)
	}
	return conn, nil
}

// Address returns the resolved backend address.
func (c *Client) Address() string {
	return c.address
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}
