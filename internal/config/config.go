package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.warelay/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Provider ProviderConfig `toml:"provider"`
	Identity IdentityConfig `toml:"identity"`
	HTTP     HTTPConfig     `toml:"http"`
}

// ProviderConfig holds the WhatsApp Business Cloud API settings.
type ProviderConfig struct {
	// VerifyToken answers the webhook subscription handshake.
	VerifyToken string `toml:"verify_token"`
	// AppSecret enables webhook signature verification when set.
	AppSecret string `toml:"app_secret"`
	// AccessToken authorizes outbound Graph API calls.
	AccessToken string `toml:"access_token"`
	// PhoneNumberID is the provider id of the operator's endpoint.
	PhoneNumberID string `toml:"phone_number_id"`
	// BusinessNumber is the operator's display number, when it differs
	// from the phone number id in notifications.
	BusinessNumber string `toml:"business_number"`
	// APIBase overrides the Graph API endpoint. Empty means the default.
	APIBase string `toml:"api_base"`
}

// IdentityConfig tunes address normalization for the operator's market.
type IdentityConfig struct {
	CallingCode    string   `toml:"calling_code"`
	MobilePrefixes []string `toml:"mobile_prefixes"`
	NationalLength int      `toml:"national_length"`
}

// HTTPConfig holds the listen settings for the API and webhook server.
type HTTPConfig struct {
	Listen string `toml:"listen"`
}

// DefaultListen is used when [http].listen is not set.
const DefaultListen = "127.0.0.1:8787"

// OperatorAddresses returns every configured raw address the provider may
// use for the operator's own endpoint, phone number id first.
func (c *Config) OperatorAddresses() []string {
	var ops []string
	if c.Provider.PhoneNumberID != "" {
		ops = append(ops, c.Provider.PhoneNumberID)
	}
	if c.Provider.BusinessNumber != "" {
		ops = append(ops, c.Provider.BusinessNumber)
	}
	return ops
}

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
