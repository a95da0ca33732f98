// Package config holds rcserver's settings: built-in defaults, overlaid by an
// optional YAML file, then by RCSERVER_* environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"periph.io/x/periph/conn/physic"

	"github.com/petiaccja/raspberry-rc/pkg/pwm"
	"github.com/petiaccja/raspberry-rc/pkg/router"
	"github.com/petiaccja/raspberry-rc/pkg/session"
)

var Backends = []string{"rpio", "periph", "pca9685", "dummy"}

type Config struct {
	Backend   string        `yaml:"backend"`
	I2CDevice string        `yaml:"i2c_device"`
	PWM       PWMConfig     `yaml:"pwm"`
	Servo     ServoConfig   `yaml:"servo"`
	Session   SessionConfig `yaml:"session"`
	Log       LogConfig     `yaml:"log"`
}

type PWMConfig struct {
	FrequencyHz     int  `yaml:"frequency_hz"`
	RealTime        bool `yaml:"realtime"`
	Priority        int  `yaml:"priority"`
	RequireRealTime bool `yaml:"require_realtime"`
	ProfileSamples  int  `yaml:"profile_samples"`
}

type ServoConfig struct {
	MinWidthUs float32 `yaml:"min_width_us"`
	MaxWidthUs float32 `yaml:"max_width_us"`
	Neutral    float32 `yaml:"neutral"`
}

type SessionConfig struct {
	ReceiveTimeoutMs int  `yaml:"receive_timeout_ms"`
	GovernorTickMs   int  `yaml:"governor_tick_ms"`
	AuthTimeoutMs    int  `yaml:"auth_timeout_ms"`
	ReplyErrors      bool `yaml:"reply_errors"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func Default() *Config {
	return &Config{
		Backend:   "rpio",
		I2CDevice: "/dev/i2c-1",
		PWM: PWMConfig{
			FrequencyHz: 50,
			RealTime:    true,
			Priority:    80,
		},
		Servo: ServoConfig{
			MinWidthUs: 1000,
			MaxWidthUs: 2000,
			Neutral:    0.5,
		},
		Session: SessionConfig{
			ReceiveTimeoutMs: 500,
			GovernorTickMs:   10,
			AuthTimeoutMs:    5000,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads the defaults, then file if it isn't empty, then the
// environment.  The result is not validated; flags still get to override it.
func Load(file string) (*Config, error) {
	cfg := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", file)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("RCSERVER_BACKEND"); ok && v != "" {
		c.Backend = v
	}
	if v, ok := lookup("RCSERVER_LOG_FILE"); ok {
		c.Log.File = v
	}
	if v, ok := lookup("RCSERVER_RECEIVE_TIMEOUT_MS"); ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "RCSERVER_RECEIVE_TIMEOUT_MS")
		}
		c.Session.ReceiveTimeoutMs = ms
	}
	return nil
}

func (c *Config) Validate() error {
	known := false
	for _, b := range Backends {
		if c.Backend == b {
			known = true
		}
	}
	if !known {
		return errors.Errorf("unknown backend %q, must be one of %v", c.Backend, Backends)
	}
	if c.PWM.FrequencyHz < 1 || c.PWM.FrequencyHz > 400 {
		return errors.Errorf("pwm frequency %dHz outside 1..400", c.PWM.FrequencyHz)
	}
	if c.PWM.Priority < 1 || c.PWM.Priority > 99 {
		return errors.Errorf("real-time priority %d outside 1..99", c.PWM.Priority)
	}
	if c.PWM.ProfileSamples < 0 {
		return errors.Errorf("negative profile sample count %d", c.PWM.ProfileSamples)
	}
	if c.Servo.MinWidthUs < 0 || c.Servo.MinWidthUs >= c.Servo.MaxWidthUs {
		return errors.Errorf("bad servo pulse range %v..%vus", c.Servo.MinWidthUs, c.Servo.MaxWidthUs)
	}
	if period := 1e6 / float32(c.PWM.FrequencyHz); c.Servo.MaxWidthUs >= period {
		return errors.Errorf("max pulse %vus doesn't fit in a %vus period", c.Servo.MaxWidthUs, period)
	}
	if c.Servo.Neutral < 0 || c.Servo.Neutral > 1 {
		return errors.Errorf("neutral steering %v outside 0..1", c.Servo.Neutral)
	}
	if c.Session.ReceiveTimeoutMs <= 0 {
		return errors.Errorf("receive timeout must be positive, got %dms", c.Session.ReceiveTimeoutMs)
	}
	if c.Session.GovernorTickMs <= 0 {
		return errors.Errorf("governor tick must be positive, got %dms", c.Session.GovernorTickMs)
	}
	if c.Session.AuthTimeoutMs < 0 {
		return errors.Errorf("negative auth timeout %dms", c.Session.AuthTimeoutMs)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return errors.New("log rotation limits can't be negative")
	}
	return nil
}

func (c *Config) PWMOptions() pwm.Config {
	return pwm.Config{
		Frequency:       c.Frequency(),
		RealTime:        c.PWM.RealTime,
		Priority:        c.PWM.Priority,
		RequireRealTime: c.PWM.RequireRealTime,
		ProfileSamples:  c.PWM.ProfileSamples,
	}
}

func (c *Config) Frequency() physic.Frequency {
	return physic.Frequency(c.PWM.FrequencyHz) * physic.Hertz
}

func (c *Config) RouterOptions() router.Config {
	return router.Config{
		MinWidth: c.Servo.MinWidthUs,
		MaxWidth: c.Servo.MaxWidthUs,
		Neutral:  c.Servo.Neutral,
	}
}

func (c *Config) SessionOptions(password string) session.Config {
	return session.Config{
		Password:       password,
		ReceiveTimeout: time.Duration(c.Session.ReceiveTimeoutMs) * time.Millisecond,
		GovernorTick:   time.Duration(c.Session.GovernorTickMs) * time.Millisecond,
		ReplyErrors:    c.Session.ReplyErrors,
	}
}

func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Session.AuthTimeoutMs) * time.Millisecond
}

// YAML renders the config for logging on start-up.
func (c *Config) YAML() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
