// Package config loads and validates the proxy's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigurationError is fatal at startup: a broken file, a duplicate proxy
// name, an unknown protocol class.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps a reason (and optional cause) into the typed
// startup error.
func NewConfigurationError(reason string, err error) *ConfigurationError {
	return &ConfigurationError{Reason: reason, Err: err}
}

// Config is the top-level YAML document.
type Config struct {
	Proxies []ProxyConfig `yaml:"proxies"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig controls the optional prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ProxyConfig is one proxy instance: a worker listener multiplexed onto an
// ordered list of pools.
type ProxyConfig struct {
	Name                string            `yaml:"name"`
	Listen              Endpoint          `yaml:"listen"`
	Pools               []PoolEntry       `yaml:"pools"`
	WorkerClass         string            `yaml:"worker_class"`
	PoolClass           string            `yaml:"pool_class"`
	MaxWorkers          *int              `yaml:"max_workers"`
	ExtranonceSubscribe bool              `yaml:"extranonce_subscribe"`
	WorkerAuth          map[string]string `yaml:"worker_auth"`
}

// Endpoint is a bindable host/port pair.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// PoolEntry is one upstream pool with its shared credentials. The head of a
// proxy's list is the active pool; the rest are failover candidates.
type PoolEntry struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	AccountName     string `yaml:"account_name"`
	AccountPassword string `yaml:"account_password"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("unable to load configuration file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewConfigurationError("unable to parse configuration file", err)
	}

	if listen := GetEnv("STRATUM_PROXY_METRICS_LISTEN", ""); listen != "" {
		cfg.Metrics.Listen = listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every proxy entry for the fields the core needs.
func (c *Config) Validate() error {
	for i := range c.Proxies {
		p := &c.Proxies[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("Proxy %d", i+1)
		}
		if p.Listen.Port <= 0 || p.Listen.Port > 65535 {
			return NewConfigurationError(fmt.Sprintf("proxy %q: invalid listen port %d", p.Name, p.Listen.Port), nil)
		}
		if len(p.Pools) == 0 {
			return NewConfigurationError(fmt.Sprintf("proxy %q: at least one pool is required", p.Name), nil)
		}
		for _, pool := range p.Pools {
			if pool.Host == "" || pool.Port <= 0 || pool.Port > 65535 {
				return NewConfigurationError(fmt.Sprintf("proxy %q: invalid pool endpoint %s:%d", p.Name, pool.Host, pool.Port), nil)
			}
		}
		if p.WorkerClass == "" {
			return NewConfigurationError(fmt.Sprintf("proxy %q: worker_class is required", p.Name), nil)
		}
		if p.PoolClass == "" {
			return NewConfigurationError(fmt.Sprintf("proxy %q: pool_class is required", p.Name), nil)
		}
	}
	return nil
}

// Template is the starting config written by --generate-config.
const Template = `# stratum-proxy configuration
#
# Each entry under 'proxies' runs an independent proxy: one worker listener
# multiplexed onto an ordered list of upstream pools. The first pool is
# active; the rest are failover candidates tried in order.

proxies:
  - name: zcash
    worker_class: equihash
    pool_class: equihash

    listen:
      host: 0.0.0.0
      port: 10666

    pools:
      - host: pool.example.com
        port: 3333
        account_name: t1YourZcashAddress
        account_password: x
      # - host: backup-pool.example.com
      #   port: 3333
      #   account_name: t1YourZcashAddress
      #   account_password: x

    # Nonce-space partitioning: 1 (solo), 256, or 65536 workers.
    max_workers: 256

    # Ask the pool for mining.set_extranonce updates.
    extranonce_subscribe: false

    # Optional proxy-local worker credentials (account name -> bcrypt hash).
    # Omit to accept any worker and rely on pool authorization alone.
    # worker_auth:
    #   miner.rig1: $2a$10$...

# Optional prometheus exposition endpoint.
# metrics:
#   listen: 127.0.0.1:9090
`
