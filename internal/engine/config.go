package engine

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/die-net/tunnelbridge/internal/egress"
)

// Seconds is a whole number of seconds, the unit used in config files.
type Seconds int

func (s Seconds) Duration() time.Duration {
	return time.Duration(s) * time.Second
}

// Config is everything the engine needs besides the hop chain.
//
// Start from DefaultConfig: zero numeric fields are filled in by
// WithDefaults, but booleans are taken as given. LocalPort 0 asks for an
// ephemeral port.
type Config struct {
	LocalPort  int    `toml:"local_port"`
	ListenHost string `toml:"listen_host"`

	DNSPrimary      string  `toml:"dns_primary"`
	DNSSecondary    string  `toml:"dns_secondary"`
	DNSOptimization bool    `toml:"dns_optimization"`
	DNSTestRounds   int     `toml:"dns_test_rounds"`
	DNSCacheTTL     Seconds `toml:"dns_cache_ttl"`
	DNSTimeout      Seconds `toml:"dns_timeout"`

	AutoReconnect         bool    `toml:"auto_reconnect"`
	ConnectionTimeout     Seconds `toml:"connection_timeout"`
	ReconnectMaxAttempts  int     `toml:"reconnect_max_attempts"`
	ReconnectInitialDelay Seconds `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     Seconds `toml:"reconnect_max_delay"`

	WANBondingEnabled bool     `toml:"wan_bonding_enabled"`
	LoadBalancingMode string   `toml:"load_balancing_mode"`
	WANInterfaces     []string `toml:"wan_interfaces"`

	MaxThreads         int     `toml:"max_threads"`
	ChannelOpenTimeout Seconds `toml:"channel_open_timeout"`

	HealthThresholdMS   int     `toml:"health_threshold_ms"`
	HealthCheckInterval Seconds `toml:"health_check_interval"`

	KeepaliveInterval    Seconds `toml:"keepalive_interval"`
	KeepaliveMaxFailures int     `toml:"keepalive_max_failures"`

	// KnownHosts enables trust-on-first-use host key checking. Empty
	// accepts any host key.
	KnownHosts string `toml:"known_hosts"`

	LogTraffic        bool    `toml:"log_traffic"`
	ConnectionHistory int     `toml:"connection_history"`
	AutoResetInterval Seconds `toml:"auto_reset_interval"`
}

func DefaultConfig() Config {
	return Config{
		LocalPort:             1080,
		ListenHost:            "127.0.0.1",
		DNSOptimization:       true,
		DNSTestRounds:         3,
		DNSCacheTTL:           300,
		DNSTimeout:            5,
		AutoReconnect:         true,
		ConnectionTimeout:     30,
		ReconnectMaxAttempts:  5,
		ReconnectInitialDelay: 5,
		ReconnectMaxDelay:     60,
		LoadBalancingMode:     string(egress.RoundRobin),
		MaxThreads:            100,
		ChannelOpenTimeout:    10,
		HealthThresholdMS:     2000,
		HealthCheckInterval:   10,
		KeepaliveInterval:     15,
		KeepaliveMaxFailures:  3,
		ConnectionHistory:     50,
	}
}

// WithDefaults returns c with unset numeric and string fields taken from
// DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ListenHost == "" {
		c.ListenHost = d.ListenHost
	}
	if c.LoadBalancingMode == "" {
		c.LoadBalancingMode = d.LoadBalancingMode
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setSec := func(v *Seconds, def Seconds) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.DNSTestRounds, d.DNSTestRounds)
	setInt(&c.ReconnectMaxAttempts, d.ReconnectMaxAttempts)
	setInt(&c.MaxThreads, d.MaxThreads)
	setInt(&c.HealthThresholdMS, d.HealthThresholdMS)
	setInt(&c.KeepaliveMaxFailures, d.KeepaliveMaxFailures)
	setInt(&c.ConnectionHistory, d.ConnectionHistory)
	setSec(&c.DNSCacheTTL, d.DNSCacheTTL)
	setSec(&c.DNSTimeout, d.DNSTimeout)
	setSec(&c.ConnectionTimeout, d.ConnectionTimeout)
	setSec(&c.ReconnectInitialDelay, d.ReconnectInitialDelay)
	setSec(&c.ReconnectMaxDelay, d.ReconnectMaxDelay)
	setSec(&c.ChannelOpenTimeout, d.ChannelOpenTimeout)
	setSec(&c.HealthCheckInterval, d.HealthCheckInterval)
	setSec(&c.KeepaliveInterval, d.KeepaliveInterval)
	return c
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.LocalPort != 0 && !govalidator.IsPort(strconv.Itoa(c.LocalPort)) {
		errs = append(errs, fmt.Errorf("local_port: %d out of range", c.LocalPort))
	}
	if !govalidator.IsHost(c.ListenHost) {
		errs = append(errs, fmt.Errorf("listen_host: invalid host %q", c.ListenHost))
	}
	for name, v := range map[string]string{"dns_primary": c.DNSPrimary, "dns_secondary": c.DNSSecondary} {
		if v != "" && !govalidator.IsIP(v) {
			errs = append(errs, fmt.Errorf("%s: %q is not an IP address", name, v))
		}
	}
	if _, err := egress.ParsePolicy(c.LoadBalancingMode); err != nil {
		errs = append(errs, fmt.Errorf("load_balancing_mode: %w", err))
	}
	if c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		errs = append(errs, errors.New("reconnect_max_delay: less than reconnect_initial_delay"))
	}
	if c.AutoResetInterval < 0 {
		errs = append(errs, errors.New("auto_reset_interval: negative"))
	}
	return errors.Join(errs...)
}

// ListenAddr is the SOCKS5 listen address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.LocalPort))
}
