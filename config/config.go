// Package config defines the structures to configure the bridge, its robots and their side
// channels.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/logging"
)

// DefaultBindAddress is where the client endpoint listens when none is configured.
const DefaultBindAddress = "localhost:8080"

// DefaultVNCPort is the VNC server port of a UR controller.
const DefaultVNCPort = 5900

// Config describes the set of robots the bridge serves and how clients reach them.
type Config struct {
	Robots      []Robot      `json:"robots,omitempty"`
	Reply       Reply        `json:"reply"`
	Network     Network      `json:"network"`
	Auth        Auth         `json:"auth"`
	Provisioner *Provisioner `json:"provisioner,omitempty"`
	Log         Log          `json:"log"`

	ConfigFilePath string `json:"-"`
}

// Robot configures one robot controller.
type Robot struct {
	Name    string `json:"name"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Virtual bool   `json:"virtual,omitempty"`

	TelemetryInterval time.Duration `json:"telemetry_interval,omitempty"`
	DialTimeout       time.Duration `json:"dial_timeout,omitempty"`

	Video *Video `json:"video,omitempty"`
	VNC   *VNC   `json:"vnc,omitempty"`
}

// Video configures the camera feed attached to a robot.
type Video struct {
	Input     string `json:"input"`
	Format    string `json:"format,omitempty"`
	FrameRate int    `json:"frame_rate,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Quality   int    `json:"quality,omitempty"`
}

// VNC configures the relay to the teach pendant screen of a robot.
type VNC struct {
	// Host defaults to the robot host.
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// Reply configures the listener robots call back to with script results.
type Reply struct {
	ListenHost    string        `json:"listen_host,omitempty"`
	Port          int           `json:"port,omitempty"`
	AdvertiseHost string        `json:"advertise_host,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Grace         time.Duration `json:"grace,omitempty"`
}

// Network configures the client endpoint.
type Network struct {
	BindAddress string   `json:"bind_address,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// Auth configures client token verification. An empty secret accepts every client.
type Auth struct {
	Secret string `json:"secret,omitempty"`
	Issuer string `json:"issuer,omitempty"`
}

// Provisioner configures the commands that bring virtual robots up and down. Every argument
// has {name} replaced by the robot name.
type Provisioner struct {
	Start []string `json:"start"`
	Stop  []string `json:"stop,omitempty"`
	Host  string   `json:"host"`
	Port  int      `json:"port,omitempty"`
	// Timeout bounds each command.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Log configures process logging.
type Log struct {
	Level      string `json:"level,omitempty"`
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Robots))
	for idx := range c.Robots {
		path := fmt.Sprintf("robots.%d", idx)
		if err := c.Robots[idx].Validate(path, c.Provisioner != nil); err != nil {
			return err
		}
		if _, ok := seen[c.Robots[idx].Name]; ok {
			return utils.NewConfigValidationError(path, errors.Errorf("robot name %q is not unique", c.Robots[idx].Name))
		}
		seen[c.Robots[idx].Name] = struct{}{}
	}
	if err := c.Reply.Validate("reply"); err != nil {
		return err
	}
	if c.Provisioner != nil {
		if err := c.Provisioner.Validate("provisioner"); err != nil {
			return err
		}
	}
	return c.Log.Validate("log")
}

// Validate ensures all parts of the config are valid. Virtual robots may leave the host out
// when a provisioner supplies it.
func (r *Robot) Validate(path string, provisioned bool) error {
	if r.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if r.Host == "" && r.Virtual && provisioned {
		return nil
	}
	conn := r.Connection()
	if err := conn.Validate(path); err != nil {
		return err
	}
	if r.Video != nil && r.Video.Input == "" {
		return utils.NewConfigValidationFieldRequiredError(path+".video", "input")
	}
	if r.VNC != nil && (r.VNC.Port < 0 || r.VNC.MaxRetries < 0) {
		return utils.NewConfigValidationError(path+".vnc", errors.New("port and max_retries must not be negative"))
	}
	return nil
}

// Connection is the robot connection config of r.
func (r Robot) Connection() universalrobots.Config {
	return universalrobots.Config{
		Name:              r.Name,
		Host:              r.Host,
		Port:              r.Port,
		Virtual:           r.Virtual,
		TelemetryInterval: r.TelemetryInterval,
		DialTimeout:       r.DialTimeout,
	}
}

// Validate ensures all parts of the config are valid.
func (r *Reply) Validate(path string) error {
	if r.Port < 0 || r.Port > 65535 {
		return utils.NewConfigValidationError(path, errors.Errorf("invalid port %d", r.Port))
	}
	if r.Timeout < 0 || r.Grace < 0 {
		return utils.NewConfigValidationError(path, errors.New("timeout and grace must not be negative"))
	}
	return nil
}

// ReplyConfig fills in the reply channel defaults.
func (r Reply) ReplyConfig() universalrobots.ReplyConfig {
	cfg := universalrobots.DefaultReplyConfig()
	if r.ListenHost != "" {
		cfg.ListenHost = r.ListenHost
	}
	if r.Port != 0 {
		cfg.Port = r.Port
	}
	cfg.AdvertiseHost = r.AdvertiseHost
	if r.Timeout > 0 {
		cfg.Timeout = r.Timeout
	}
	if r.Grace > 0 {
		cfg.Grace = r.Grace
	}
	return cfg
}

// Validate ensures all parts of the config are valid.
func (p *Provisioner) Validate(path string) error {
	if len(p.Start) == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "start")
	}
	if p.Host == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "host")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (l *Log) Validate(path string) error {
	if l.Level == "" {
		return nil
	}
	if _, err := logging.LevelFromString(l.Level); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// Address is where the client endpoint listens.
func (n Network) Address() string {
	if n.BindAddress == "" {
		return DefaultBindAddress
	}
	return n.BindAddress
}
