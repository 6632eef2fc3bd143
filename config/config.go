// Package config loads the TOML configuration and generates a commented
// default config file on first run.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config is the static configuration supplied to the core at startup and
// on reload.
type Config struct {
	Version string

	// listeners
	Bind           string
	BindTLS        string
	BindDOH        string
	BindDOQ        string
	TLSCertificate string
	TLSPrivateKey  string

	// upstreams
	Upstreams []string
	Timeout   Duration
	DNSSEC    bool

	// rule lists
	BlockLists  []string
	AllowLists  []string
	ListDir     string
	ListRefresh Duration
	Blocklist   []string // inline entries
	Allowlist   []string // inline entries

	// blocked answers
	Nullroute   string
	Nullroutev6 string
	BlockTTL    uint32

	CacheSize int

	AccessList      []string
	ClientRateLimit int

	// prometheus exposition address, empty disables
	BindMetrics string

	LogLevel string

	sVersion string
}

// ServerVersion returns the running build version.
func (c *Config) ServerVersion() string { return c.sVersion }

// Duration is a TOML-friendly time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-TLS server
# bindtls = ":853"

# Address to bind to for the DNS-over-HTTPS server
# binddoh = ":8053"

# Address to bind to for the DNS-over-QUIC server
# binddoq = ":8853"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# Upstream resolvers, tried in order with failover. Transports:
# udp:// (default), tcp://, tls://, https://, quic://
upstreams = [
"1.1.1.1:53",
"tls://one.one.one.one:853"
]

# Network timeout for each upstream attempt
timeout = "3s"

# Request DNSSEC validation from upstreams and treat bogus answers as failures
dnssec = false

# Remote or local blocklist sources, downloaded into listdir
blocklists = [
# "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts"
]

# Remote or local allowlist sources
allowlists = [
]

# Directory caching downloaded lists
listdir = "lists"

# Interval between automatic list refreshes, "0s" disables
listrefresh = "24h"

# Manual blocklist entries
blocklist = []

# Manual allowlist entries
allowlist = []

# IPv4 address answered for blocked A queries
nullroute = "0.0.0.0"

# IPv6 address answered for blocked AAAA queries
nullroutev6 = "::0"

# TTL in seconds on synthesized blocked answers
blockttl = 3600

# Cache size (total answers in cache)
cachesize = 256000

# Which clients are allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# Address to bind to for the prometheus metrics endpoint
# bindmetrics = "127.0.0.1:9153"

# What kind of information should be logged, Log verbosity level [error,warn,info,debug]
loglevel = "info"
`

// Load loads the given config file, generating a default one when it does
// not exist.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate a new one and check the changes.")
	}

	config.sVersion = version

	if config.Bind == "" {
		config.Bind = ":53"
	}
	if config.Timeout.Duration <= 0 {
		config.Timeout.Duration = 3 * time.Second
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 256000
	}
	if config.BlockTTL == 0 {
		config.BlockTTL = 3600
	}
	if config.Nullroute == "" {
		config.Nullroute = "0.0.0.0"
	}
	if config.Nullroutev6 == "" {
		config.Nullroutev6 = "::0"
	}

	return config, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		if err := output.Close(); err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
