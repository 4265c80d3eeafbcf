// Package config loads portalca's deployment configuration: a YAML file
// overlaid with PORTALCA_* environment variables and validated before use.
package config

// Config is the complete deployment configuration.
type Config struct {
	InfrastructureCA InfrastructureCAConfig `yaml:"infrastructure_ca"`
	UserCA           UserCAConfig           `yaml:"user_ca"`
	UserLeaf         UserLeafConfig         `yaml:"user_leaf"`
	Proxy            ProxyConfig            `yaml:"proxy"`
	Policy           PolicyConfig           `yaml:"policy"`

	// LockDir holds the advisory lock files serializing issuance.
	LockDir string `yaml:"lock_dir" env:"PORTALCA_LOCK_DIR"`

	// LedgerPath is the DuckDB issuance ledger. Empty disables the ledger.
	LedgerPath string `yaml:"ledger_path" env:"PORTALCA_LEDGER_PATH"`

	Log LogConfig `yaml:"log"`
}

// InfrastructureCAConfig describes the CA that signs the proxy certificate.
type InfrastructureCAConfig struct {
	// Dir contains ca.crt and private/ca.key.
	Dir string `yaml:"dir" env:"PORTALCA_INFRA_CA_DIR"`

	// Managed means the CA is provisioned by another tool and is never
	// created here.
	Managed bool `yaml:"managed" env:"PORTALCA_INFRA_CA_MANAGED"`

	DurationDays int `yaml:"duration_days" env:"PORTALCA_INFRA_CA_DURATION_DAYS"`

	// PassphraseSource is env:NAME, file:/path or prompt.
	PassphraseSource string `yaml:"passphrase_source" env:"PORTALCA_INFRA_CA_PASSPHRASE_SOURCE"`

	// Subject is the RFC 4514 name of a created CA.
	Subject string `yaml:"subject" env:"PORTALCA_INFRA_CA_SUBJECT"`
}

// UserCAConfig describes the per-user CAs.
type UserCAConfig struct {
	// Root contains one directory per user.
	Root string `yaml:"root" env:"PORTALCA_USER_CA_ROOT"`

	Managed bool `yaml:"managed" env:"PORTALCA_USER_CA_MANAGED"`

	DurationDays int `yaml:"duration_days" env:"PORTALCA_USER_CA_DURATION_DAYS"`

	PassphraseSource string `yaml:"passphrase_source" env:"PORTALCA_USER_CA_PASSPHRASE_SOURCE"`

	// SubjectTemplate is an RFC 4514 name where {user} is replaced by the
	// username.
	SubjectTemplate string `yaml:"subject_template" env:"PORTALCA_USER_CA_SUBJECT_TEMPLATE"`
}

// UserLeafConfig describes where user leaf material is written.
type UserLeafConfig struct {
	// TmpRoot is the per-user root; {user} is replaced by the username.
	TmpRoot string `yaml:"tmp_root" env:"PORTALCA_USER_TMP_ROOT"`
}

// ProxyConfig describes the proxy leaf.
type ProxyConfig struct {
	CertDir string `yaml:"cert_dir" env:"PORTALCA_PROXY_CERT_DIR"`

	// Subject is the proxy certificate common name.
	Subject string `yaml:"subject" env:"PORTALCA_PROXY_SUBJECT"`

	// Owner is the account the proxy runs as. Empty keeps the files with
	// the account running portalca.
	Owner string `yaml:"owner" env:"PORTALCA_PROXY_OWNER"`
}

// PolicyConfig holds lifetimes and key parameters.
type PolicyConfig struct {
	LeafValidityDays   int    `yaml:"leaf_validity_days" env:"PORTALCA_LEAF_VALIDITY_DAYS"`
	LeafRenewDays      int    `yaml:"leaf_renew_days" env:"PORTALCA_LEAF_RENEW_DAYS"`
	CARotationWarnDays int    `yaml:"ca_rotation_warn_days" env:"PORTALCA_CA_ROTATION_WARN_DAYS"`
	KeyBits            int    `yaml:"key_bits" env:"PORTALCA_KEY_BITS"`
	SignatureAlgorithm string `yaml:"signature_algorithm" env:"PORTALCA_SIGNATURE_ALGORITHM"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"PORTALCA_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PORTALCA_LOG_PRETTY"`
}
