// Package config loads fleetd settings from .env, the environment and an
// optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"busfleet/internal/model"
)

type Config struct {
	Port        string
	DatabaseURL string
	DBMigrate   bool
	SeedFile    string

	RedisURL      string
	NATSURL       string
	Bridge        string // memory | redis | nats
	BridgeChannel string

	AuthMode       string // dev | hmac
	AuthHMACSecret string

	HeartbeatStaleAfter    time.Duration
	HeartbeatSweepInterval time.Duration
	GPSRatePerSec          float64
	GPSBurst               int

	SchedulerEnabled  bool
	SchedulerLock     bool
	SchedulerRunAt    string
	MatchThresholdDeg float64
	Location          *time.Location

	LogLevel string
	LogJSON  bool
}

// overlay mirrors the YAML file layout. Zero values leave the env value alone.
type overlay struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	SeedFile    string `yaml:"seedFile"`
	RedisURL    string `yaml:"redisUrl"`
	NATSURL     string `yaml:"natsUrl"`
	Bridge      struct {
		Kind    string `yaml:"kind"`
		Channel string `yaml:"channel"`
	} `yaml:"bridge"`
	Auth struct {
		Mode       string `yaml:"mode"`
		HMACSecret string `yaml:"hmacSecret"`
	} `yaml:"auth"`
	Heartbeat struct {
		StaleAfter    string `yaml:"staleAfter"`
		SweepInterval string `yaml:"sweepInterval"`
	} `yaml:"heartbeat"`
	GPS struct {
		RatePerSec float64 `yaml:"ratePerSec"`
		Burst      int     `yaml:"burst"`
	} `yaml:"gps"`
	Scheduler struct {
		Enabled           *bool   `yaml:"enabled"`
		Lock              *bool   `yaml:"lock"`
		RunAt             string  `yaml:"runAt"`
		MatchThresholdDeg float64 `yaml:"matchThresholdDeg"`
		TZ                string  `yaml:"tz"`
	} `yaml:"scheduler"`
	Log struct {
		Level string `yaml:"level"`
		JSON  *bool  `yaml:"json"`
	} `yaml:"log"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getenvDefault("PORT", "8080"),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SeedFile:       os.Getenv("SEED_FILE"),
		RedisURL:       os.Getenv("REDIS_URL"),
		NATSURL:        os.Getenv("NATS_URL"),
		Bridge:         strings.ToLower(os.Getenv("BRIDGE")),
		BridgeChannel:  getenvDefault("BRIDGE_CHANNEL", "busfleet.realtime"),
		AuthMode:       strings.ToLower(getenvDefault("AUTH_MODE", "dev")),
		AuthHMACSecret: os.Getenv("AUTH_HMAC_SECRET"),
		LogLevel:       getenvDefault("LOG_LEVEL", "info"),
	}
	var err error
	if cfg.DBMigrate, err = getenvBool("DB_MIGRATE", true); err != nil {
		return nil, err
	}
	if cfg.LogJSON, err = getenvBool("LOG_JSON", false); err != nil {
		return nil, err
	}
	if cfg.SchedulerEnabled, err = getenvBool("SCHEDULER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.HeartbeatStaleAfter, err = getenvDuration("HEARTBEAT_STALE_AFTER", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatSweepInterval, err = getenvDuration("HEARTBEAT_SWEEP_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.GPSRatePerSec, err = getenvFloat("GPS_RATE_PER_SEC", 5); err != nil {
		return nil, err
	}
	if cfg.MatchThresholdDeg, err = getenvFloat("MATCH_THRESHOLD_DEG", 0.01); err != nil {
		return nil, err
	}
	if v := os.Getenv("GPS_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid GPS_BURST: %q", v)
		}
		cfg.GPSBurst = n
	} else {
		cfg.GPSBurst = 10
	}
	cfg.SchedulerRunAt = getenvDefault("SCHEDULER_RUN_AT", "02:00")
	tz := os.Getenv("TZ")

	lockSet := os.Getenv("SCHEDULER_LOCK") != ""
	if lockSet {
		if cfg.SchedulerLock, err = getenvBool("SCHEDULER_LOCK", false); err != nil {
			return nil, err
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		ov, err := readOverlay(path)
		if err != nil {
			return nil, err
		}
		if ov.Scheduler.Lock != nil {
			lockSet = true
		}
		if ov.Scheduler.TZ != "" {
			tz = ov.Scheduler.TZ
		}
		if err := cfg.apply(ov); err != nil {
			return nil, err
		}
	}

	if tz == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if cfg.Bridge == "" {
		switch {
		case cfg.RedisURL != "":
			cfg.Bridge = "redis"
		case cfg.NATSURL != "":
			cfg.Bridge = "nats"
		default:
			cfg.Bridge = "memory"
		}
	}
	if !lockSet {
		cfg.SchedulerLock = cfg.RedisURL != ""
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Bridge {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("BRIDGE=redis requires REDIS_URL"))
		}
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("BRIDGE=nats requires NATS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid BRIDGE: %q", c.Bridge))
	}
	switch c.AuthMode {
	case "dev":
	case "hmac":
		if c.AuthHMACSecret == "" {
			errs = append(errs, errors.New("AUTH_MODE=hmac requires AUTH_HMAC_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid AUTH_MODE: %q", c.AuthMode))
	}
	if c.SchedulerLock && c.RedisURL == "" {
		errs = append(errs, errors.New("SCHEDULER_LOCK requires REDIS_URL"))
	}
	if c.HeartbeatStaleAfter <= 0 || c.HeartbeatSweepInterval <= 0 {
		errs = append(errs, errors.New("heartbeat durations must be positive"))
	}
	if c.GPSRatePerSec <= 0 || c.GPSBurst <= 0 {
		errs = append(errs, errors.New("gps rate and burst must be positive"))
	}
	if _, _, err := model.ParseClock(c.SchedulerRunAt); err != nil {
		errs = append(errs, fmt.Errorf("invalid SCHEDULER_RUN_AT: %w", err))
	}
	if c.MatchThresholdDeg <= 0 {
		errs = append(errs, errors.New("MATCH_THRESHOLD_DEG must be positive"))
	}
	return errors.Join(errs...)
}

// Public is the secret-free view of the settings reported by /debug.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"PORT":                     c.Port,
		"BRIDGE":                   c.Bridge,
		"BRIDGE_CHANNEL":           c.BridgeChannel,
		"AUTH_MODE":                c.AuthMode,
		"HEARTBEAT_STALE_AFTER":    c.HeartbeatStaleAfter.String(),
		"HEARTBEAT_SWEEP_INTERVAL": c.HeartbeatSweepInterval.String(),
		"GPS_RATE_PER_SEC":         c.GPSRatePerSec,
		"GPS_BURST":                c.GPSBurst,
		"SCHEDULER_ENABLED":        c.SchedulerEnabled,
		"SCHEDULER_LOCK":           c.SchedulerLock,
		"SCHEDULER_RUN_AT":         c.SchedulerRunAt,
		"MATCH_THRESHOLD_DEG":      c.MatchThresholdDeg,
		"TZ":                       c.Location.String(),
		"HAS_DATABASE_URL":         c.DatabaseURL != "",
		"HAS_REDIS_URL":            c.RedisURL != "",
		"HAS_NATS_URL":             c.NATSURL != "",
	}
}

func readOverlay(path string) (overlay, error) {
	var ov overlay
	data, err := os.ReadFile(path)
	if err != nil {
		return ov, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return ov, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return ov, nil
}

func (c *Config) apply(ov overlay) error {
	setString(&c.Port, ov.Port)
	setString(&c.DatabaseURL, ov.DatabaseURL)
	setString(&c.SeedFile, ov.SeedFile)
	setString(&c.RedisURL, ov.RedisURL)
	setString(&c.NATSURL, ov.NATSURL)
	setString(&c.Bridge, strings.ToLower(ov.Bridge.Kind))
	setString(&c.BridgeChannel, ov.Bridge.Channel)
	setString(&c.AuthMode, strings.ToLower(ov.Auth.Mode))
	setString(&c.AuthHMACSecret, ov.Auth.HMACSecret)
	setString(&c.LogLevel, ov.Log.Level)
	if ov.Log.JSON != nil {
		c.LogJSON = *ov.Log.JSON
	}
	if ov.Scheduler.Enabled != nil {
		c.SchedulerEnabled = *ov.Scheduler.Enabled
	}
	if ov.Scheduler.Lock != nil {
		c.SchedulerLock = *ov.Scheduler.Lock
	}
	setString(&c.SchedulerRunAt, ov.Scheduler.RunAt)
	if ov.Scheduler.MatchThresholdDeg > 0 {
		c.MatchThresholdDeg = ov.Scheduler.MatchThresholdDeg
	}
	if ov.GPS.RatePerSec > 0 {
		c.GPSRatePerSec = ov.GPS.RatePerSec
	}
	if ov.GPS.Burst > 0 {
		c.GPSBurst = ov.GPS.Burst
	}
	if v := ov.Heartbeat.StaleAfter; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid heartbeat.staleAfter: %q", v)
		}
		c.HeartbeatStaleAfter = d
	}
	if v := ov.Heartbeat.SweepInterval; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid heartbeat.sweepInterval: %q", v)
		}
		c.HeartbeatSweepInterval = d
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s: %q", k, v)
}

// getenvDuration accepts Go durations ("90s") or a bare number of seconds.
func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return d, nil
}

func getenvFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}
