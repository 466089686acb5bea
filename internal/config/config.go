package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const DefaultSweepInterval = 15 * time.Minute

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// SweepInterval is how often elapsed confirmed bookings are completed.
	SweepInterval time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		SweepInterval:  DefaultSweepInterval,
	}, nil
}

// ParseOrigins splits a comma separated origin list, dropping blanks.
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Env names read by FromEnv.
const (
	EnvAddr           = "STAYCHAT_ADDR"
	EnvDSN            = "STAYCHAT_DSN"
	EnvSigningKey     = "STAYCHAT_SIGNING_KEY"
	EnvAllowedOrigins = "STAYCHAT_ALLOWED_ORIGINS"
	EnvSweepInterval  = "STAYCHAT_SWEEP_INTERVAL"
)

// Defaults are the values flags start from before command line parsing.
type Defaults struct {
	Addr           string
	DSN            string
	SigningKey     string
	AllowedOrigins []string
	SweepInterval  time.Duration
}

// FromEnv overlays the STAYCHAT_* variables found by getenv onto d. An
// unset or empty variable keeps the value in d.
func FromEnv(d Defaults, getenv func(string) string) (Defaults, error) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&d.Addr, EnvAddr)
	set(&d.DSN, EnvDSN)
	set(&d.SigningKey, EnvSigningKey)

	if v := getenv(EnvAllowedOrigins); v != "" {
		d.AllowedOrigins = ParseOrigins(v)
	}
	if v := getenv(EnvSweepInterval); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return d, fmt.Errorf("%s: %w", EnvSweepInterval, err)
		}
		if interval <= 0 {
			return d, fmt.Errorf("%s must be positive", EnvSweepInterval)
		}
		d.SweepInterval = interval
	}

	return d, nil
}
