// runtime configuration: defaults, YAML file, validation
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// Timeslot is the timer tick period; idle close is 3x this.
	Timeslot = 5
	// MaxBodySize caps the announced Content-Length.
	MaxBodySize = 200 * 1024 * 1024
	// MaxFD caps concurrent connections.
	MaxFD = 10000
	// MaxEvents bounds one epoll_wait batch.
	MaxEvents = 10000
)

// Database holds the MySQL connection parameters.
type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// Config mirrors the CLI knobs. The 0/1 ints follow the flag contract.
type Config struct {
	Port     int `yaml:"port"`      // -p
	LogAsync int `yaml:"log_async"` // -l 0=sync 1=async
	TrigMode int `yaml:"trig_mode"` // -m 0..3 listen/conn LT-ET matrix
	Linger   int `yaml:"linger"`    // -o SO_LINGER on close
	SQLConns int `yaml:"sql_conns"` // -s pool size
	Threads  int `yaml:"threads"`   // -t worker count
	LogOff   int `yaml:"log_off"`   // -c 1 drops all logging
	Actor    int `yaml:"actor"`     // -a 0=proactor 1=reactor

	Root    string   `yaml:"root"`     // site root, default <cwd>/resources/webroot
	LogPath string   `yaml:"log_path"` // base log file name
	DB      Database `yaml:"database"`
}

// Default returns the stock configuration.
func Default() Config {
	root := "."
	if cwd, err := os.Getwd(); err == nil {
		root = cwd
	}
	return Config{
		Port:     9006,
		LogAsync: 0,
		TrigMode: 0,
		Linger:   0,
		SQLConns: 8,
		Threads:  8,
		LogOff:   0,
		Actor:    0,
		Root:     filepath.Join(root, "resources", "webroot"),
		LogPath:  "./ServerLog",
		DB: Database{
			Host:     "localhost",
			Port:     3306,
			User:     "root",
			Password: "",
			Name:     "hxsdb",
		},
	}
}

// LoadFile overlays YAML values from path onto c. Flags applied after
// this call still win.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config: read file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, "config: parse yaml")
	}
	return nil
}

// Validate rejects values outside the documented ranges.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return errors.Errorf("config: port %d out of range", c.Port)
	case c.TrigMode < 0 || c.TrigMode > 3:
		return errors.Errorf("config: trig mode %d not in 0..3", c.TrigMode)
	case c.LogAsync != 0 && c.LogAsync != 1:
		return errors.Errorf("config: log mode %d not 0|1", c.LogAsync)
	case c.Linger != 0 && c.Linger != 1:
		return errors.Errorf("config: linger %d not 0|1", c.Linger)
	case c.LogOff != 0 && c.LogOff != 1:
		return errors.Errorf("config: log off %d not 0|1", c.LogOff)
	case c.Actor != 0 && c.Actor != 1:
		return errors.Errorf("config: actor model %d not 0|1", c.Actor)
	case c.SQLConns <= 0:
		return errors.Errorf("config: sql pool size %d must be positive", c.SQLConns)
	case c.Threads <= 0:
		return errors.Errorf("config: thread count %d must be positive", c.Threads)
	}
	return nil
}

// ListenET reports whether the listen socket uses edge triggering.
func (c *Config) ListenET() bool { return c.TrigMode == 2 || c.TrigMode == 3 }

// ConnET reports whether connection sockets use edge triggering.
func (c *Config) ConnET() bool { return c.TrigMode == 1 || c.TrigMode == 3 }

// Reactor reports whether workers perform the socket I/O themselves.
func (c *Config) Reactor() bool { return c.Actor == 1 }
