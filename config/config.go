package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"thunderfuel/crypto"
	"thunderfuel/storage"
)

const (
	DefaultNetworkName    = "thunderfuel-local"
	DefaultDataDir        = "./thunderfuel-data"
	DefaultMetricsAddress = ":9464"
	DefaultEnvironment    = "dev"
)

// ErrPassphraseRequired is returned when a default config must generate a
// keystore but no passphrase was supplied.
var ErrPassphraseRequired = errors.New("config: keystore passphrase required to create default configuration")

type Config struct {
	DataDir        string    `toml:"DataDir"`
	Backend        string    `toml:"Backend"`
	NetworkName    string    `toml:"NetworkName"`
	KeystorePath   string    `toml:"KeystorePath"`
	Environment    string    `toml:"Environment"`
	MetricsAddress string    `toml:"MetricsAddress"`
	Logging        Logging   `toml:"Logging"`
	Telemetry      Telemetry `toml:"Telemetry"`
	Indexer        Indexer   `toml:"Indexer"`
}

type Logging struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"` // fraction of operations traced; zero traces all
}

type Indexer struct {
	// DSN is the sqlite database the event indexer writes to. Empty disables
	// indexing.
	DSN string `toml:"DSN"`
}

type loadOptions struct {
	passphrase string
}

// Option customises Load.
type Option func(*loadOptions)

// WithKeystorePassphrase encrypts a freshly generated operator keystore.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) { o.passphrase = passphrase }
}

// Load loads the configuration from the given path, creating a default file
// and operator keystore when none exists.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options.passphrase)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}

	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(configPath string) {
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = DefaultNetworkName
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = storage.BackendLevelDB
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = DefaultEnvironment
	}
	if strings.TrimSpace(c.KeystorePath) == "" {
		c.KeystorePath = defaultKeystorePath(configPath)
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Validate reports configuration values the ledger cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("config: unsupported Backend %q", c.Backend)
	}
	if strings.ContainsAny(c.NetworkName, "\x00\n") {
		return fmt.Errorf("config: NetworkName contains control characters")
	}
	if c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("config: log rotation limits must not be negative")
	}
	if (c.Telemetry.Metrics || c.Telemetry.Traces) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("config: Telemetry.Endpoint required when exporters are enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: Telemetry.SampleRatio must be within [0, 1]")
	}
	return nil
}

// DatabasePath returns the location of the ledger store for the configured
// backend.
func (c *Config) DatabasePath() string {
	if c.Backend == storage.BackendBolt {
		return filepath.Join(c.DataDir, "ledger.db")
	}
	return filepath.Join(c.DataDir, "ledger")
}

// createDefault creates and saves a default configuration file.
func createDefault(path, passphrase string) (*Config, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        DefaultDataDir,
		Backend:        storage.BackendLevelDB,
		NetworkName:    DefaultNetworkName,
		KeystorePath:   keystorePath,
		Environment:    DefaultEnvironment,
		MetricsAddress: DefaultMetricsAddress,
		Logging:        Logging{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
