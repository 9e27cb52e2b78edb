// Package config loads tokenca settings from <state-dir>/tokenca.yaml,
// TOKENCA_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the state directory.
const FileName = "tokenca.yaml"

// EnvPrefix prefixes environment overrides, e.g. TOKENCA_MODULE_PATH or
// TOKENCA_X509_VALIDITY_DAYS.
const EnvPrefix = "TOKENCA"

// Config is the resolved configuration of one tokenca invocation.
type Config struct {
	StateDir   string
	ModulePath string
	KeyURI     string
	TokenLabel string
	PINEnv     string

	OpenSSL   string
	SSHKeygen string
	Git       string

	X509ValidityDays int
	SSHValidity      time.Duration
	CRLDays          int

	AuthorName  string
	AuthorEmail string

	Verbose bool
}

// flag name -> config key
var flagKeys = map[string]string{
	"state-dir": "state_dir",
	"module":    "module_path",
	"key-uri":   "key_uri",
	"verbose":   "verbose",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", ".")
	v.SetDefault("pin_env", "TOKENCA_PIN")
	v.SetDefault("openssl", "openssl")
	v.SetDefault("ssh_keygen", "ssh-keygen")
	v.SetDefault("git", "git")
	v.SetDefault("x509.validity_days", 365)
	v.SetDefault("ssh.validity", "24h")
	v.SetDefault("crl.days", 3650)
}

// Load resolves the configuration. flags may be nil; when set, the flags
// listed in flagKeys override file and environment values if changed.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	dir := v.GetString("state_dir")
	v.SetConfigFile(filepath.Join(dir, FileName))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	cfg := &Config{
		StateDir:         dir,
		ModulePath:       v.GetString("module_path"),
		KeyURI:           v.GetString("key_uri"),
		TokenLabel:       v.GetString("token_label"),
		PINEnv:           v.GetString("pin_env"),
		OpenSSL:          v.GetString("openssl"),
		SSHKeygen:        v.GetString("ssh_keygen"),
		Git:              v.GetString("git"),
		X509ValidityDays: v.GetInt("x509.validity_days"),
		SSHValidity:      v.GetDuration("ssh.validity"),
		CRLDays:          v.GetInt("crl.days"),
		AuthorName:       v.GetString("checkpoint.author_name"),
		AuthorEmail:      v.GetString("checkpoint.author_email"),
		Verbose:          v.GetBool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.X509ValidityDays <= 0 {
		return fmt.Errorf("x509.validity_days must be positive, got %d", c.X509ValidityDays)
	}
	if c.SSHValidity <= 0 {
		return fmt.Errorf("ssh.validity must be positive, got %s", c.SSHValidity)
	}
	if c.CRLDays <= 0 {
		return fmt.Errorf("crl.days must be positive, got %d", c.CRLDays)
	}
	return nil
}

// Template is the commented configuration written by `tokenca init`.
const Template = `# tokenca configuration. Environment variables TOKENCA_<KEY> override these
# values (nested keys use underscores, e.g. TOKENCA_X509_VALIDITY_DAYS).

# PKCS#11 module used by the OpenSSL pkcs11 engine and by init-key.
module_path: ""

# Token holding the CA key, and the RFC 7512 URI of the key itself.
token_label: ""
key_uri: ""

# Environment variable read (and then cleared) for the token PIN.
pin_env: TOKENCA_PIN

openssl: openssl
ssh_keygen: ssh-keygen
git: git

x509:
  validity_days: 365
ssh:
  validity: 24h
crl:
  days: 3650

checkpoint:
  author_name: ""
  author_email: ""
`

// WriteTemplate creates the configuration template in dir unless a
// configuration file already exists.
func WriteTemplate(dir string) (created bool, err error) {
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.WriteString(Template); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
