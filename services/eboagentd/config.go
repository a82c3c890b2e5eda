package eboagentd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"eboagent/native/ebo"
)

const (
	defaultListen          = ":8086"
	defaultPollSeconds     = 12
	defaultTimeoutSeconds  = 30
	defaultMaxBlockRange   = 2000
	defaultConfirmations   = 1
	defaultRPS             = 10
	defaultActorConcurrent = 8
)

// Config captures the runtime options for the agent daemon.
type Config struct {
	ListenAddress       string         `yaml:"listen" toml:"listen"`
	DatabasePath        string         `yaml:"database" toml:"database"`
	LogFile             string         `yaml:"log_file" toml:"log_file"`
	PollIntervalSec     int            `yaml:"poll_interval_seconds" toml:"poll_interval_seconds"`
	RequestTimeoutSec   int            `yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	StartBlock          uint64         `yaml:"start_block" toml:"start_block"`
	MaxBlockRange       uint64         `yaml:"max_block_range" toml:"max_block_range"`
	ActorConcurrency    int            `yaml:"actor_concurrency" toml:"actor_concurrency"`
	SignerKey           string         `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile       string         `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv        string         `yaml:"signer_key_env" toml:"signer_key_env"`
	Protocol            ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Chains              []ChainConfig  `yaml:"chains" toml:"chains"`
	PollInterval        time.Duration  `yaml:"-" toml:"-"`
	RequestTimeout      time.Duration  `yaml:"-" toml:"-"`
	signerKeySourceDesc string
}

// ProtocolConfig locates the Prophet contracts on the protocol chain.
type ProtocolConfig struct {
	RPCURL               string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID              int64  `yaml:"chain_id" toml:"chain_id"`
	Oracle               string `yaml:"oracle" toml:"oracle"`
	EpochManager         string `yaml:"epoch_manager" toml:"epoch_manager"`
	BondEscalationModule string `yaml:"bond_escalation_module" toml:"bond_escalation_module"`
	Confirmations        uint64 `yaml:"confirmations" toml:"confirmations"`
	RPS                  int    `yaml:"rps" toml:"rps"`
}

// ChainConfig binds a CAIP-2 chain id to an RPC endpoint for block lookups.
type ChainConfig struct {
	ID     string `yaml:"id" toml:"id"`
	RPCURL string `yaml:"rpc_url" toml:"rpc_url"`
	RPS    int    `yaml:"rps" toml:"rps"`
}

// Addresses returns the parsed contract addresses.
func (p ProtocolConfig) Addresses() ContractAddresses {
	return ContractAddresses{
		Oracle:               common.HexToAddress(p.Oracle),
		EpochManager:         common.HexToAddress(p.EpochManager),
		BondEscalationModule: common.HexToAddress(p.BondEscalationModule),
	}
}

// SignerKeySource describes where the signer key was read from without
// revealing it.
func (c Config) SignerKeySource() string { return c.signerKeySourceDesc }

// LoadConfig reads a YAML or TOML (by extension) configuration file and
// applies defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress:     defaultListen,
		DatabasePath:      filepath.Join(os.TempDir(), "ebo-agent.db"),
		PollIntervalSec:   defaultPollSeconds,
		RequestTimeoutSec: defaultTimeoutSeconds,
		MaxBlockRange:     defaultMaxBlockRange,
		ActorConcurrency:  defaultActorConcurrent,
	}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(contents, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.ListenAddress = strings.TrimSpace(c.ListenAddress); c.ListenAddress == "" {
		c.ListenAddress = defaultListen
	}
	if c.DatabasePath = strings.TrimSpace(c.DatabasePath); c.DatabasePath == "" {
		return fmt.Errorf("database path required")
	}
	c.LogFile = strings.TrimSpace(c.LogFile)
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = defaultPollSeconds
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = defaultTimeoutSeconds
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = defaultMaxBlockRange
	}
	if c.ActorConcurrency <= 0 {
		c.ActorConcurrency = defaultActorConcurrent
	}
	c.PollInterval = time.Duration(c.PollIntervalSec) * time.Second
	c.RequestTimeout = time.Duration(c.RequestTimeoutSec) * time.Second

	if err := c.resolveSignerKey(); err != nil {
		return err
	}

	p := &c.Protocol
	if p.RPCURL = strings.TrimSpace(p.RPCURL); p.RPCURL == "" {
		return fmt.Errorf("protocol.rpc_url required")
	}
	if p.ChainID <= 0 {
		return fmt.Errorf("protocol.chain_id required")
	}
	for name, value := range map[string]*string{
		"protocol.oracle":                 &p.Oracle,
		"protocol.epoch_manager":          &p.EpochManager,
		"protocol.bond_escalation_module": &p.BondEscalationModule,
	} {
		*value = strings.TrimSpace(*value)
		if !common.IsHexAddress(*value) {
			return fmt.Errorf("%s invalid address %q", name, *value)
		}
	}
	if p.Confirmations == 0 {
		p.Confirmations = defaultConfirmations
	}
	if p.Confirmations > 64 {
		p.Confirmations = 64
	}
	if p.RPS <= 0 {
		p.RPS = defaultRPS
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[ebo.ChainID]struct{}, len(c.Chains))
	for i := range c.Chains {
		chain := &c.Chains[i]
		id := ebo.ChainID(chain.ID).Normalize()
		if id == "" {
			return fmt.Errorf("chains[%d].id required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("chain %s configured twice", id)
		}
		seen[id] = struct{}{}
		chain.ID = string(id)
		if chain.RPCURL = strings.TrimSpace(chain.RPCURL); chain.RPCURL == "" {
			return fmt.Errorf("chain %s rpc_url required", id)
		}
		if chain.RPS <= 0 {
			chain.RPS = defaultRPS
		}
	}
	return nil
}

func (c *Config) resolveSignerKey() error {
	c.SignerKey = strings.TrimPrefix(strings.TrimSpace(c.SignerKey), "0x")
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		c.signerKeySourceDesc = "inline"
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = strings.TrimPrefix(value, "0x")
		c.signerKeySourceDesc = "env:" + c.SignerKeyEnv
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimPrefix(strings.TrimSpace(string(contents)), "0x")
		c.signerKeySourceDesc = "file:" + c.SignerKeyFile
	default:
		return fmt.Errorf("signer_key required")
	}
	return nil
}
