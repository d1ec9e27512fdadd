package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for unset configuration values.
const (
	DefaultQueueBound         = 256
	DefaultEventBufferBound   = 64
	DefaultStreamBacklogBound = 32
	DefaultCallTimeout        = 30 * time.Second
)

// Duration parses TOML duration strings ("250ms", "30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the recognized option surface of the bridge.
type Config struct {
	// QueueBound is the maximum number of pending host-affinity calls
	// before callers see QueueOverflow.
	QueueBound int `toml:"queue-bound"`
	// EventBufferBound is the per-subscriber drop threshold.
	EventBufferBound int `toml:"event-buffer-bound"`
	// StreamBacklogBound is the default backlog size for new streams.
	StreamBacklogBound int `toml:"stream-backlog-bound"`
	// CallTimeout is the default caller-side timeout for invocations.
	CallTimeout Duration `toml:"call-timeout"`
}

// DefaultConfig returns the built-in option values.
func DefaultConfig() Config {
	return Config{
		QueueBound:         DefaultQueueBound,
		EventBufferBound:   DefaultEventBufferBound,
		StreamBacklogBound: DefaultStreamBacklogBound,
		CallTimeout:        Duration(DefaultCallTimeout),
	}
}

// withDefaults fills zero values in.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueBound <= 0 {
		c.QueueBound = d.QueueBound
	}
	if c.EventBufferBound <= 0 {
		c.EventBufferBound = d.EventBufferBound
	}
	if c.StreamBacklogBound <= 0 {
		c.StreamBacklogBound = d.StreamBacklogBound
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// CallTimeoutDuration returns the call timeout as a time.Duration.
func (c Config) CallTimeoutDuration() time.Duration {
	return time.Duration(c.CallTimeout)
}

// LoadConfig parses a gantry.toml file from the given directory. A
// missing file yields the defaults; unset fields fall back to them.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, "gantry.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return c.withDefaults(), nil
}
