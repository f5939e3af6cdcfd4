package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"grantline/internal/signing"
)

// Config models grantline.yml.
type Config struct {
	Enterprise struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"enterprise"`
	Signing  SigningConfig `yaml:"signing"`
	Issuance struct {
		DefaultExpiryHours int `yaml:"default_expiry_hours"`
	} `yaml:"issuance"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SigningConfig struct {
	Method    string `yaml:"method"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	KeyFile   string `yaml:"key_file"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Enterprise.ID == "" {
		return fmt.Errorf("config.enterprise.id is required")
	}
	switch c.Signing.Method {
	case signing.MethodHMACSHA256, signing.MethodECDSAP256:
	case "":
		return fmt.Errorf("config.signing.method is required")
	default:
		return fmt.Errorf("unsupported signing method %q", c.Signing.Method)
	}
	if c.Issuance.DefaultExpiryHours < 0 {
		return fmt.Errorf("config.issuance.default_expiry_hours must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// DefaultExpiryHours returns the configured issuance expiry, falling back to
// 72 hours.
func (c *Config) DefaultExpiryHours() int {
	if c.Issuance.DefaultExpiryHours > 0 {
		return c.Issuance.DefaultExpiryHours
	}
	return 72
}

// BuildSigners constructs the signature registry from config. The signer for
// the configured method must be constructible here or the process does not
// start; secondary signers are registered when their material is present so
// artifacts from before a method rotation still verify.
func (c *Config) BuildSigners() (*signing.Registry, error) {
	var signers []signing.Signer

	secret := c.Signing.Secret
	if secret == "" && c.Signing.SecretEnv != "" {
		secret = os.Getenv(c.Signing.SecretEnv)
	}
	if secret != "" {
		hs, err := signing.NewHMACSigner(secret)
		if err != nil {
			return nil, err
		}
		signers = append(signers, hs)
	}
	if c.Signing.KeyFile != "" {
		key, err := signing.LoadECDSAKey(c.Signing.KeyFile)
		if err != nil {
			return nil, err
		}
		es, err := signing.NewECDSASigner(key)
		if err != nil {
			return nil, err
		}
		signers = append(signers, es)
	}
	reg, err := signing.NewRegistry(c.Signing.Method, signers...)
	if err != nil {
		if c.Signing.Method == signing.MethodHMACSHA256 {
			return nil, fmt.Errorf("signing secret not configured (set %s or config.signing.secret)", c.secretEnvName())
		}
		return nil, fmt.Errorf("signing key not configured (set config.signing.key_file)")
	}
	return reg, nil
}

func (c *Config) secretEnvName() string {
	if c.Signing.SecretEnv != "" {
		return c.Signing.SecretEnv
	}
	return "GRANTLINE_SIGNING_SECRET"
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "grantline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(enterpriseID string) string {
	return fmt.Sprintf(defaultTemplate, enterpriseID)
}

// Default returns the default Config struct for an enterprise.
func Default(enterpriseID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, enterpriseID)), &cfg)
	cfg.Enterprise.ID = enterpriseID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `enterprise:
  id: %s
  name: ""

signing:
  method: hmac-sha256
  secret_env: GRANTLINE_SIGNING_SECRET
  key_file: ""

issuance:
  default_expiry_hours: 72
`
