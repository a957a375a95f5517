package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "GUARDIAN"

// Idempotency backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		GuardianRegistry string `json:"GuardianRegistry"`
	} `json:"contracts"`
}

// Config is read from an optional YAML file, then overridden by GUARDIAN_*
// environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Chain     ChainConfig     `yaml:"chain"`
	Store     StoreConfig     `yaml:"store"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	DeploymentsPath string           `yaml:"deploymentsPath" split_words:"true"`
	Deployment      DeploymentConfig `yaml:"-"               ignored:"true"`
}

type ServiceConfig struct {
	HTTPPort           int           `yaml:"httpPort"           envconfig:"HTTP_PORT"`
	HMACSecret         string        `yaml:"hmacSecret"         envconfig:"HMAC_SECRET"`
	HMACClockSkew      time.Duration `yaml:"hmacClockSkew"      envconfig:"HMAC_CLOCK_SKEW"`
	IdempotencyWindow  time.Duration `yaml:"idempotencyWindow"  envconfig:"IDEMPOTENCY_WINDOW"`
	IdempotencyBackend string        `yaml:"idempotencyBackend" envconfig:"IDEMPOTENCY_BACKEND"`
	IdempotencyPath    string        `yaml:"idempotencyPath"    envconfig:"IDEMPOTENCY_PATH"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"    envconfig:"SHUTDOWN_TIMEOUT"`
}

type ChainConfig struct {
	RPCURL           string        `yaml:"rpcUrl"           envconfig:"RPC_URL"`
	PrivateKey       string        `yaml:"privateKey"       envconfig:"PRIVATE_KEY"`
	GuardianRegistry string        `yaml:"guardianRegistry" envconfig:"GUARDIAN_REGISTRY"`
	PollInterval     time.Duration `yaml:"pollInterval"     envconfig:"POLL_INTERVAL"`
	RPCRateLimit     float64       `yaml:"rpcRateLimit"     envconfig:"RPC_RATE_LIMIT"`
	// FakeSettleDelay is how long dev mode takes to settle a transaction.
	FakeSettleDelay time.Duration `yaml:"fakeSettleDelay" envconfig:"FAKE_SETTLE_DELAY"`
}

type StoreConfig struct {
	// PostgresDSN selects the Postgres record store. Empty keeps records in
	// memory.
	PostgresDSN string `yaml:"postgresDsn" envconfig:"POSTGRES_DSN"`
}

type ReconcileConfig struct {
	GraceDelay       time.Duration `yaml:"graceDelay"       envconfig:"GRACE_DELAY"`
	WatcherRetention time.Duration `yaml:"watcherRetention" envconfig:"WATCHER_RETENTION"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			HTTPPort:           3000,
			HMACClockSkew:      60 * time.Second,
			IdempotencyWindow:  24 * time.Hour,
			IdempotencyBackend: BackendMemory,
			ShutdownTimeout:    10 * time.Second,
		},
		Chain: ChainConfig{
			PollInterval:    2 * time.Second,
			RPCRateLimit:    10,
			FakeSettleDelay: 2 * time.Second,
		},
		Reconcile: ReconcileConfig{
			GraceDelay:       time.Second,
			WatcherRetention: 10 * time.Minute,
		},
	}
}

// Load aggregates configuration from the YAML file at path (optional),
// the environment and deployments.json.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if cfg.DeploymentsPath != "" {
		deployment, err := loadDeployments(cfg.DeploymentsPath)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		cfg.Deployment = *deployment
		if cfg.Chain.GuardianRegistry == "" {
			cfg.Chain.GuardianRegistry = deployment.Contracts.GuardianRegistry
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DevMode reports whether transactions are emulated instead of sent to a
// chain.
func (c *Config) DevMode() bool {
	return c.Chain.PrivateKey == ""
}

func (c *Config) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.Service.HTTPPort))
	}
	if c.Service.IdempotencyWindow <= 0 {
		errs = append(errs, errors.New("idempotency window must be positive"))
	}
	switch c.Service.IdempotencyBackend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres idempotency backend needs a postgres dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown idempotency backend %q", c.Service.IdempotencyBackend))
	}
	if !c.DevMode() {
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain rpc url is required with a private key"))
		}
		if !common.IsHexAddress(c.Chain.GuardianRegistry) {
			errs = append(errs, fmt.Errorf("invalid GuardianRegistry address %q", c.Chain.GuardianRegistry))
		}
	}
	if c.Chain.PollInterval <= 0 {
		errs = append(errs, errors.New("receipt poll interval must be positive"))
	}
	if c.Reconcile.GraceDelay < 0 {
		errs = append(errs, errors.New("grace delay cannot be negative"))
	}
	return errors.Join(errs...)
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
