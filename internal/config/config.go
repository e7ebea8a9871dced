package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Store   StoreConfig   `toml:"store"`
	Console ConsoleConfig `toml:"console"`
	Logging LoggingConfig `toml:"log"`
}

type StoreConfig struct {
	// Image is the path of the flash image file holding both swap regions.
	Image string `toml:"image"`
	// SwapSize is the size of each swap region in bytes.
	SwapSize uint32 `toml:"swap_size"`
}

type ConsoleConfig struct {
	Listen         string `toml:"listen"`
	AuthorizedKeys string `toml:"authorized_keys"`
	HostKey        string `toml:"host_key"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Image:    "~/.flashkv/flash.img",
			SwapSize: 64 * 1024,
		},
		Console: ConsoleConfig{
			Listen:         "127.0.0.1:2222",
			AuthorizedKeys: "~/.flashkv/authorized_keys",
			HostKey:        "~/.flashkv/host.key",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, the default location is tried; a missing default file
// just yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.flashkv/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for values the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Store.Image == "" {
		return fmt.Errorf("store.image must not be empty")
	}
	if c.Store.SwapSize < 4096 {
		return fmt.Errorf("store.swap_size %d too small, want at least 4096", c.Store.SwapSize)
	}
	if c.Store.SwapSize%4 != 0 {
		return fmt.Errorf("store.swap_size %d not a multiple of the flash word", c.Store.SwapSize)
	}

	if c.Console.Listen != "" {
		host, port, err := net.SplitHostPort(c.Console.Listen)
		if err != nil {
			return fmt.Errorf("console.listen %q: %w", c.Console.Listen, err)
		}
		if host == "" {
			return fmt.Errorf("console.listen %q: missing host", c.Console.Listen)
		}
		if port == "" {
			return fmt.Errorf("console.listen %q: missing port", c.Console.Listen)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q not recognized", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q not recognized", c.Logging.Format)
	}

	return nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
