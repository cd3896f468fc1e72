// Package config loads node configuration from a JSON file and CERTMESH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"certmesh/pkg/auth"
	"certmesh/pkg/types"
	"certmesh/pkg/utils"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const EnvPrefix = "CERTMESH"

// Authority policies.
const (
	PolicyAllow     = "allow"
	PolicyDeny      = "deny"
	PolicyAllowList = "allowlist"
	PolicyToggle    = "toggle"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	Certificates CertificatesConfig `mapstructure:"certificates"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Authority    AuthorityConfig    `mapstructure:"authority"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Log          LogConfig          `mapstructure:"log"`
}

type NodeConfig struct {
	Name             string       `mapstructure:"name"`
	ListenAddress    string       `mapstructure:"listen_address"`
	AdvertiseAddress string       `mapstructure:"advertise_address"`
	DataDir          string       `mapstructure:"data_dir"`
	KeyFile          string       `mapstructure:"key_file"`
	MaxMessageSize   string       `mapstructure:"max_message_size"`
	Peers            []PeerConfig `mapstructure:"peers"`
	Services         []string     `mapstructure:"services"`
	TLS              auth.Config  `mapstructure:"tls"`
}

type PeerConfig struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

type CertificatesConfig struct {
	SystemFile        string        `mapstructure:"system_file"`
	Database          string        `mapstructure:"database"`
	ValidityCacheTTL  time.Duration `mapstructure:"validity_cache_ttl"`
	SelfIssueValidity time.Duration `mapstructure:"self_issue_validity"`
	DisableSelfIssue  bool          `mapstructure:"disable_self_issue"`
}

type DiscoveryConfig struct {
	FindTimeout    time.Duration `mapstructure:"find_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	QueryHops      int           `mapstructure:"query_hops"`
}

type AuthorityConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Policy          string        `mapstructure:"policy"`
	GrantDuration   time.Duration `mapstructure:"grant_duration"`
	DenyURL         string        `mapstructure:"deny_url"`
	AllowedServices []string      `mapstructure:"allowed_services"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.listen_address", ":7400")
	v.SetDefault("node.data_dir", "./data")
	v.SetDefault("node.key_file", "node.key")
	v.SetDefault("node.max_message_size", "16MiB")
	v.SetDefault("node.tls.ca_file", "tls/ca.crt")
	v.SetDefault("node.tls.cert_file", "tls/node.crt")
	v.SetDefault("node.tls.key_file", "tls/node.key")

	v.SetDefault("certificates.system_file", "system-certificates.txt")
	v.SetDefault("certificates.database", "certificates.db")
	v.SetDefault("certificates.validity_cache_ttl", time.Hour)
	v.SetDefault("certificates.self_issue_validity", 24*time.Hour)

	v.SetDefault("discovery.find_timeout", 15*time.Second)
	v.SetDefault("discovery.request_timeout", 30*time.Second)
	v.SetDefault("discovery.query_hops", 4)

	v.SetDefault("authority.policy", PolicyAllow)
	v.SetDefault("authority.grant_duration", 7*24*time.Hour)

	v.SetDefault("log.level", "info")
}

// Load reads the configuration. An empty path looks for certmesh.json in the
// working directory and falls back to defaults when there is none.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("certmesh")
		v.SetConfigType("json")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	if c.Node.ListenAddress == "" {
		return fmt.Errorf("%w: node.listen_address is required", ErrInvalidConfig)
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		return err
	}
	if err := c.Node.TLS.Validate(); err != nil {
		return fmt.Errorf("%w: node.%v", ErrInvalidConfig, err)
	}
	for _, p := range c.Node.Peers {
		if _, err := uuid.Parse(p.ID); err != nil {
			return fmt.Errorf("%w: peer %q: %v", ErrInvalidConfig, p.ID, err)
		}
		if p.Address == "" {
			return fmt.Errorf("%w: peer %s has no address", ErrInvalidConfig, p.ID)
		}
	}
	if _, err := parseServiceIDs(c.Node.Services); err != nil {
		return err
	}
	if c.Discovery.QueryHops < 0 {
		return fmt.Errorf("%w: discovery.query_hops must not be negative", ErrInvalidConfig)
	}

	switch c.Authority.Policy {
	case PolicyAllow, PolicyDeny, PolicyToggle:
	case PolicyAllowList:
		if _, err := c.AllowedServiceIDs(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown authority policy %q", ErrInvalidConfig, c.Authority.Policy)
	}
	return nil
}

// MaxMessageBytes is the largest frame the transport accepts.
func (c *Config) MaxMessageBytes() (int64, error) {
	n, err := utils.ParseSize(c.Node.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: node.max_message_size: %v", ErrInvalidConfig, err)
	}
	return n, nil
}

// ServiceIDs are the services the node hosts.
func (c *Config) ServiceIDs() ([]types.ServiceID, error) {
	return parseServiceIDs(c.Node.Services)
}

// AllowedServiceIDs are the services the allowlist policy grants.
func (c *Config) AllowedServiceIDs() ([]types.ServiceID, error) {
	return parseServiceIDs(c.Authority.AllowedServices)
}

func parseServiceIDs(values []string) ([]types.ServiceID, error) {
	ids := make([]types.ServiceID, 0, len(values))
	for _, s := range values {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: service id %q: %v", ErrInvalidConfig, s, err)
		}
		ids = append(ids, types.ServiceID{ID: id})
	}
	return ids, nil
}

// Path resolves name against the data directory unless it is absolute.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Node.DataDir, name)
}

// Advertise is the address other nodes should dial.
func (c *Config) Advertise() string {
	if c.Node.AdvertiseAddress != "" {
		return c.Node.AdvertiseAddress
	}
	return c.Node.ListenAddress
}

// TLSConfig returns the transport TLS settings with paths resolved against the
// data directory.
func (c *Config) TLSConfig() auth.Config {
	tlsCfg := c.Node.TLS
	tlsCfg.CAFile = c.Path(tlsCfg.CAFile)
	tlsCfg.CertFile = c.Path(tlsCfg.CertFile)
	tlsCfg.KeyFile = c.Path(tlsCfg.KeyFile)
	return tlsCfg
}

func (c *Config) KeyPath() string {
	return c.Path(c.Node.KeyFile)
}

func (c *Config) DatabasePath() string {
	return c.Path(c.Certificates.Database)
}

func (c *Config) SystemFilePath() string {
	return c.Path(c.Certificates.SystemFile)
}
