package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML durations written as strings ("30s", "1m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile is an optional YAML deployment profile. Values set here win
// over environment defaults; the env still wins over the profile for
// anything set explicitly.
type Profile struct {
	Name string `yaml:"name"`

	Server struct {
		Host string `yaml:"host,omitempty"`
		Port string `yaml:"port,omitempty"`
	} `yaml:"server"`

	Queue struct {
		LeaseDuration Duration `yaml:"lease_duration,omitempty"`
		BackoffBase   Duration `yaml:"backoff_base,omitempty"`
	} `yaml:"queue"`

	Commands struct {
		ApprovalTTL Duration `yaml:"approval_ttl,omitempty"`
	} `yaml:"commands"`

	Backpressure struct {
		RPM   int `yaml:"rpm,omitempty"`
		Burst int `yaml:"burst,omitempty"`
	} `yaml:"backpressure"`

	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// LoadProfile reads a profile YAML from disk.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the profile onto the config for every field the
// environment left at its default.
func (c *Config) Apply(p *Profile, env map[string]bool) {
	if p == nil {
		return
	}
	set := func(key string) bool { return env[key] }

	if p.Server.Host != "" && !set("KERNEL_HOST") {
		c.Host = p.Server.Host
	}
	if p.Server.Port != "" && !set("KERNEL_PORT") {
		c.Port = p.Server.Port
	}
	if p.Queue.LeaseDuration > 0 && !set("KERNEL_LEASE_DURATION") {
		c.LeaseDuration = time.Duration(p.Queue.LeaseDuration)
	}
	if p.Queue.BackoffBase > 0 && !set("KERNEL_BACKOFF_BASE") {
		c.BackoffBase = time.Duration(p.Queue.BackoffBase)
	}
	if p.Commands.ApprovalTTL > 0 && !set("KERNEL_APPROVAL_TTL") {
		c.ApprovalTTL = time.Duration(p.Commands.ApprovalTTL)
	}
	if p.Backpressure.RPM > 0 && !set("KERNEL_BACKPRESSURE_RPM") {
		c.BackpressureRPM = p.Backpressure.RPM
	}
	if p.Backpressure.Burst > 0 && !set("KERNEL_BACKPRESSURE_BURST") {
		c.BackpressureBurst = p.Backpressure.Burst
	}
	if len(p.CORSOrigins) > 0 && len(c.CORSOrigins) == 0 {
		c.CORSOrigins = p.CORSOrigins
	}
}

// EnvSet reports which of the kernel's env vars are explicitly set, for
// use with Apply.
func EnvSet() map[string]bool {
	keys := []string{
		"KERNEL_HOST", "KERNEL_PORT", "KERNEL_DB_PATH", "KERNEL_DB_URL",
		"AUTH_MODE", "KERNEL_JWT_SECRET", "KERNEL_REDIS_ADDR",
		"KERNEL_LEASE_DURATION", "KERNEL_BACKOFF_BASE", "KERNEL_APPROVAL_TTL",
		"KERNEL_BACKPRESSURE_RPM", "KERNEL_BACKPRESSURE_BURST",
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, ok := os.LookupEnv(k)
		out[k] = ok
	}
	return out
}
