// Package config loads the YAML configuration of the pdfsign tool.
package config

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/pdfsign/pdf/writer"
	"github.com/georgepadayatti/pdfsign/sign/timestamps"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidValue         = errors.New("invalid configuration value")
	ErrInvalidConfigType    = errors.New("configuration must be a dictionary")
)

// Signing backends.
const (
	BackendKey    = "key"
	BackendP12    = "p12"
	BackendGCloud = "gcloud"
)

// DefaultTimeoutSeconds applies to the timestamp and KMS sections.
const DefaultTimeoutSeconds = 30

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func missing(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

func invalid(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
}

// prefixed qualifies the field of a section error with the section name.
func prefixed(section string, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Field != "" {
		return &ConfigError{Field: section + "." + ce.Field, Message: ce.Message, Err: ce.Err}
	}
	return err
}

// SigningConfig selects the key material and describes the signature.
type SigningConfig struct {
	// Backend is one of "key", "p12" or "gcloud".
	Backend string `yaml:"backend" json:"backend"`

	// CertFile holds the signer certificate, optionally followed by its
	// issuers. Used by the key and gcloud backends.
	CertFile string `yaml:"cert-file" json:"cert_file,omitempty"`

	// KeyFile is the PEM private key of the key backend.
	KeyFile string `yaml:"key-file" json:"key_file,omitempty"`

	// PFXFile is the PKCS#12 container of the p12 backend.
	PFXFile string `yaml:"pfx-file" json:"pfx_file,omitempty"`

	// PFXPassphrase is the PKCS#12 passphrase.
	PFXPassphrase string `yaml:"pfx-passphrase" json:"pfx_passphrase,omitempty"`

	// KeyPath names the Cloud KMS key version of the gcloud backend.
	KeyPath string `yaml:"key-path" json:"key_path,omitempty"`

	FieldName   string `yaml:"field-name" json:"field_name,omitempty"`
	Name        string `yaml:"name" json:"name,omitempty"`
	Reason      string `yaml:"reason" json:"reason,omitempty"`
	Location    string `yaml:"location" json:"location,omitempty"`
	ContactInfo string `yaml:"contact-info" json:"contact_info,omitempty"`

	// DigestAlgorithm is sha256, sha384 or sha512.
	DigestAlgorithm string `yaml:"digest-algorithm" json:"digest_algorithm,omitempty"`

	// PreferPSS indicates whether to prefer PSS padding for RSA signatures.
	PreferPSS bool `yaml:"prefer-pss" json:"prefer_pss"`

	// BytesReserved is the DER capacity of the signature placeholder.
	BytesReserved int `yaml:"bytes-reserved" json:"bytes_reserved,omitempty"`
}

// SetDefaults sets default values for the signing configuration.
func (c *SigningConfig) SetDefaults() {
	if c.DigestAlgorithm == "" {
		c.DigestAlgorithm = "sha256"
	}
	if c.BytesReserved == 0 {
		c.BytesReserved = writer.DefaultContentsSize
	}
}

// Validate validates the signing configuration. Only the files the backend
// needs are required.
func (c *SigningConfig) Validate() error {
	switch c.Backend {
	case BackendKey:
		if c.CertFile == "" {
			return missing("cert-file")
		}
		if c.KeyFile == "" {
			return missing("key-file")
		}
	case BackendP12:
		if c.PFXFile == "" {
			return missing("pfx-file")
		}
	case BackendGCloud:
		if c.CertFile == "" {
			return missing("cert-file")
		}
		if c.KeyPath == "" {
			return missing("key-path")
		}
	case "":
		return missing("backend")
	default:
		return invalid("backend", "unknown backend '%s'", c.Backend)
	}
	if _, err := c.Hash(); err != nil {
		return err
	}
	if c.BytesReserved < 0 {
		return invalid("bytes-reserved", "must not be negative")
	}
	return nil
}

// Hash returns the configured digest algorithm.
func (c *SigningConfig) Hash() (crypto.Hash, error) {
	return ParseDigestAlgorithm(c.DigestAlgorithm)
}

// ParseDigestAlgorithm maps a digest name to its hash. Empty means SHA-256.
func ParseDigestAlgorithm(name string) (crypto.Hash, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "", "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	default:
		return 0, invalid("digest-algorithm", "unsupported digest algorithm '%s'", name)
	}
}

// TimestampConfig contains timestamp service configuration.
type TimestampConfig struct {
	// URL is the timestamp service URL. Empty disables timestamping.
	URL string `yaml:"url" json:"url"`

	// Username for HTTP authentication.
	Username string `yaml:"username" json:"username,omitempty"`

	// Password for HTTP authentication.
	Password string `yaml:"password" json:"password,omitempty"`

	// Timeout is the request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`

	// Required fails signing when no token can be obtained.
	Required bool `yaml:"required" json:"required"`
}

// SetDefaults sets default values for the timestamp configuration.
func (c *TimestampConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeoutSeconds
	}
}

// Validate validates the timestamp configuration.
func (c *TimestampConfig) Validate() error {
	if c.URL != "" {
		if err := timestamps.ValidateURL(c.URL); err != nil {
			return &ConfigError{Field: "url", Message: err.Error(), Err: err}
		}
	} else if c.Required {
		return &ConfigError{Field: "url", Message: "a timestamp is required but no URL is set", Err: ErrMissingRequiredField}
	}
	if c.Timeout < 0 {
		return invalid("timeout", "must not be negative")
	}
	return nil
}

// TimeoutDuration returns Timeout as a duration.
func (c *TimestampConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// KMSConfig contains Google Cloud KMS client configuration.
type KMSConfig struct {
	// Endpoint overrides the KMS API endpoint.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`

	// CredentialsFile is a service account key file. Empty uses the
	// application default credentials.
	CredentialsFile string `yaml:"credentials-file" json:"credentials_file,omitempty"`

	// Timeout bounds each signing call, in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`
}

// SetDefaults sets default values for the KMS configuration.
func (c *KMSConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeoutSeconds
	}
}

// Validate validates the KMS configuration.
func (c *KMSConfig) Validate() error {
	if c.Timeout < 0 {
		return invalid("timeout", "must not be negative")
	}
	return nil
}

// TimeoutDuration returns Timeout as a duration.
func (c *KMSConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return invalid("level", "unknown log level '%s'", c.Level)
	}
	if c.Format != "text" && c.Format != "json" {
		return invalid("format", "must be 'text' or 'json', got '%s'", c.Format)
	}
	return nil
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	// Signing contains signing configuration.
	Signing *SigningConfig `yaml:"signing" json:"signing,omitempty"`

	// Timestamp contains timestamp configuration.
	Timestamp *TimestampConfig `yaml:"timestamp" json:"timestamp,omitempty"`

	// KMS contains Cloud KMS configuration.
	KMS *KMSConfig `yaml:"kms" json:"kms,omitempty"`

	// Logging contains logging configuration.
	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`
}

// DefaultAppConfig returns a configuration with every section present and
// defaulted.
func DefaultAppConfig() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults creates missing sections and fills their defaults.
func (c *AppConfig) SetDefaults() {
	if c.Signing == nil {
		c.Signing = &SigningConfig{}
	}
	if c.Timestamp == nil {
		c.Timestamp = &TimestampConfig{}
	}
	if c.KMS == nil {
		c.KMS = &KMSConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Signing.SetDefaults()
	c.Timestamp.SetDefaults()
	c.KMS.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	if err := c.Signing.Validate(); err != nil {
		return prefixed("signing", err)
	}
	if err := c.Timestamp.Validate(); err != nil {
		return prefixed("timestamp", err)
	}
	if err := c.KMS.Validate(); err != nil {
		return prefixed("kms", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return prefixed("logging", err)
	}
	return nil
}

// LoadAppConfig loads the complete application configuration from a file
// and applies defaults. It does not validate: command line flags may still
// complete the configuration.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig parses configuration from YAML data and applies defaults.
// Unknown keys are rejected; snake_case spellings of known keys are
// accepted.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return LoadAppConfigFromMap(raw)
}

// LoadAppConfigFromMap builds the configuration from a decoded mapping.
func LoadAppConfigFromMap(raw map[string]any) (*AppConfig, error) {
	if err := checkSections(raw); err != nil {
		return nil, err
	}

	// Marshal the normalized map to YAML then unmarshal to struct
	yamlData, err := yaml.Marshal(normalizeMap(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config map: %w", err)
	}
	var config AppConfig
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	return &config, nil
}

// normalizeMap rewrites the keys of m and of its nested mappings to use
// dashes.
func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = normalizeMap(nested)
		}
		out[normalizeKey(k)] = v
	}
	return out
}

// checkSections rejects unknown top-level and section keys.
func checkSections(raw map[string]any) error {
	sections := map[string]reflect.Type{}
	appType := reflect.TypeOf(AppConfig{})
	for i := 0; i < appType.NumField(); i++ {
		f := appType.Field(i)
		sections[yamlName(f)] = f.Type.Elem()
	}

	if err := CheckConfigKeys("pdfsign", sortedKeys(sections), sortedKeys(raw)); err != nil {
		return err
	}
	for name, value := range raw {
		if value == nil {
			continue
		}
		section, ok := value.(map[string]any)
		if !ok {
			return &ConfigError{Field: name, Message: "section must be a mapping", Err: ErrInvalidConfigType}
		}
		if err := CheckConfigKeys(name, yamlKeys(sections[name]), sortedKeys(section)); err != nil {
			return err
		}
	}
	return nil
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	return name
}

func yamlKeys(t reflect.Type) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		if name := yamlName(t.Field(i)); name != "" && name != "-" {
			keys = append(keys, name)
		}
	}
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckConfigKeys checks if all provided keys are valid for a given configuration type.
func CheckConfigKeys(configName string, expectedKeys, suppliedKeys []string) error {
	expectedSet := make(map[string]bool)
	for _, k := range expectedKeys {
		// Normalize to use dashes
		expectedSet[normalizeKey(k)] = true
	}

	var unexpected []string
	for _, k := range suppliedKeys {
		normalized := normalizeKey(k)
		if !expectedSet[normalized] {
			unexpected = append(unexpected, k)
		}
	}

	if len(unexpected) > 0 {
		keyWord := "key"
		if len(unexpected) > 1 {
			keyWord = "keys"
		}
		return fmt.Errorf("%w: unexpected %s in configuration for %s: %s",
			ErrUnexpectedField, keyWord, configName, strings.Join(unexpected, ", "))
	}

	return nil
}

// normalizeKey normalizes a configuration key (underscores to dashes).
func normalizeKey(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
