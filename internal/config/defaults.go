package config

// DefaultPath is read when neither --config nor PORTALCA_CONFIG is given.
const DefaultPath = "/etc/portalca/config.yaml"

// UserPlaceholder is substituted with the username in templates.
const UserPlaceholder = "{user}"

// MinKeyBits is the smallest RSA key accepted from configuration.
const MinKeyBits = 4096

// Default returns the configuration used for anything the file and
// environment leave unset.
func Default() *Config {
	return &Config{
		InfrastructureCA: InfrastructureCAConfig{
			Dir:          "/etc/portalca/infrastructure_ca",
			DurationDays: 3650,
			Subject:      "CN=portalca infrastructure CA",
		},
		UserCA: UserCAConfig{
			Root:            "/var/lib/portalca/user_cas",
			DurationDays:    3650,
			SubjectTemplate: "CN={user} user CA",
		},
		UserLeaf: UserLeafConfig{
			TmpRoot: "/var/tmp/portalca/{user}",
		},
		Proxy: ProxyConfig{
			CertDir: "/etc/portalca/proxy",
			Subject: "portalca proxy server",
		},
		Policy: PolicyConfig{
			LeafValidityDays:   42,
			LeafRenewDays:      30,
			CARotationWarnDays: 45,
			KeyBits:            MinKeyBits,
			SignatureAlgorithm: "sha256",
		},
		LockDir:    "/run/portalca/locks",
		LedgerPath: "/var/lib/portalca/ledger.duckdb",
		Log: LogConfig{
			Level: "info",
		},
	}
}
