package config

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the global configuration shared by every certificate entry.
type Settings struct {
	Authority          string `yaml:"authority"`           // CA endpoint (scheme and host, no path)
	AuthorityAgreement string `yaml:"authority_agreement"` // Terms-of-service URL accepted at registration
	AccountKey         string `yaml:"account_key"`         // Path to the account private key
	ChallengeDir       string `yaml:"challenge_dir"`       // Directory published at /.well-known/acme-challenge/
	CertDir            string `yaml:"cert_dir"`            // Default directory for issued material
	TTLDays            int    `yaml:"ttl_days"`            // Renewal margin before expiry, in days
	KeyLength          int    `yaml:"key_length"`          // Bit size for generated RSA keys
}

// Entry is one certificate block inside a config-dir file. Zero values
// inherit the global settings.
type Entry struct {
	Authority          string `yaml:"authority"`
	AuthorityAgreement string `yaml:"authority_agreement"`
	AccountKey         string `yaml:"account_key"`
	ChallengeDir       string `yaml:"challenge_dir"`
	TTLDays            int    `yaml:"ttl_days"`
	KeyLength          int    `yaml:"key_length"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
}

// Certificate is the fully resolved parameter bundle for one certificate.
// Consumers never fall back to defaults themselves; resolution happens here.
type Certificate struct {
	Domains            []string // Requested domains, first entry becomes the subject CN
	ID                 string   // Stable identifier derived from the domain list
	Authority          string   // CA endpoint
	AuthorityAgreement string   // Terms-of-service URL
	AccountKeyFile     string   // Account private key path
	ChallengeDir       string   // Proof file directory
	TTLDays            int      // Renewal margin before expiry, in days
	KeyLength          int      // Bit size for generated RSA keys
	CertFile           string   // Issued certificate path
	KeyFile            string   // Leaf private key path
	CAFile             string   // Issuer certificate path
}

// Config is the resolved runtime configuration.
type Config struct {
	Settings     Settings
	Certificates []Certificate
}

const (
	DefaultConfigFile = "/etc/certsmith/certsmith.yaml"
	DefaultConfigDir  = "/etc/certsmith/conf.d"

	defaultAuthority          = "https://acme-v01.api.letsencrypt.org"
	defaultAuthorityAgreement = "https://letsencrypt.org/documents/LE-SA-v1.2-November-15-2017.pdf"
	defaultChallengeDir       = "/var/www/acme-challenge"
	defaultTTLDays            = 15
	defaultKeyLength          = 4096
)

// Load reads the global configuration file and every certificate entry under
// configDir, resolving each entry against the global settings and built-in
// defaults. A missing global file or entry directory is not an error. An
// empty workDir defaults to configDir.
func Load(configFile, configDir, workDir string) (*Config, error) {
	settings := Settings{
		Authority:          defaultAuthority,
		AuthorityAgreement: defaultAuthorityAgreement,
		ChallengeDir:       defaultChallengeDir,
		TTLDays:            defaultTTLDays,
		KeyLength:          defaultKeyLength,
	}

	if data, err := os.ReadFile(configFile); err == nil {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse config file '%s': %w", configFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configFile, err)
	}

	// Environment wins over file values.
	settings.Authority = getEnv("CERTSMITH_AUTHORITY", settings.Authority)
	settings.AuthorityAgreement = getEnv("CERTSMITH_AUTHORITY_AGREEMENT", settings.AuthorityAgreement)
	settings.AccountKey = getEnv("CERTSMITH_ACCOUNT_KEY", settings.AccountKey)
	settings.ChallengeDir = getEnv("CERTSMITH_CHALLENGE_DIR", settings.ChallengeDir)
	settings.CertDir = getEnv("CERTSMITH_CERT_DIR", settings.CertDir)
	settings.TTLDays = getEnvAsInt("CERTSMITH_TTL_DAYS", settings.TTLDays)
	settings.KeyLength = getEnvAsInt("CERTSMITH_KEY_LENGTH", settings.KeyLength)

	if workDir == "" {
		workDir = configDir
	}
	if settings.AccountKey == "" {
		settings.AccountKey = filepath.Join(workDir, "account.key")
	}
	if settings.CertDir == "" {
		settings.CertDir = workDir
	}

	entries, err := loadEntries(configDir)
	if err != nil {
		return nil, err
	}

	domainKeys := make([]string, 0, len(entries))
	for domains := range entries {
		domainKeys = append(domainKeys, domains)
	}
	sort.Strings(domainKeys)

	certificates := make([]Certificate, 0, len(entries))
	for _, domains := range domainKeys {
		cert, err := resolve(settings, domains, entries[domains])
		if err != nil {
			return nil, err
		}
		certificates = append(certificates, cert)
	}

	return &Config{Settings: settings, Certificates: certificates}, nil
}

// loadEntries reads every .yaml, .yml and .conf file under dir. Each file
// maps a space-separated domain string to an optional override block.
func loadEntries(dir string) (map[string]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir '%s': %w", dir, err)
	}

	entries := make(map[string]Entry)
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		switch filepath.Ext(de.Name()) {
		case ".yaml", ".yml", ".conf":
		default:
			continue
		}

		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate config '%s': %w", path, err)
		}

		var fileEntries map[string]*Entry
		if err := yaml.Unmarshal(data, &fileEntries); err != nil {
			return nil, fmt.Errorf("failed to parse certificate config '%s': %w", path, err)
		}

		for domains, entry := range fileEntries {
			if _, dup := entries[domains]; dup {
				return nil, fmt.Errorf("duplicate certificate entry for '%s' in %s", domains, path)
			}
			if entry == nil {
				entry = &Entry{}
			}
			entries[domains] = *entry
		}
	}
	return entries, nil
}

// resolve layers one entry over the global settings and fills in derived
// file names.
func resolve(s Settings, domains string, e Entry) (Certificate, error) {
	domainList := strings.Fields(domains)
	if len(domainList) == 0 {
		return Certificate{}, fmt.Errorf("certificate entry with empty domain list")
	}
	id := entryID(domainList)

	return Certificate{
		Domains:            domainList,
		ID:                 id,
		Authority:          override(e.Authority, s.Authority),
		AuthorityAgreement: override(e.AuthorityAgreement, s.AuthorityAgreement),
		AccountKeyFile:     override(e.AccountKey, s.AccountKey),
		ChallengeDir:       override(e.ChallengeDir, s.ChallengeDir),
		TTLDays:            overrideInt(e.TTLDays, s.TTLDays),
		KeyLength:          overrideInt(e.KeyLength, s.KeyLength),
		CertFile:           override(e.CertFile, filepath.Join(s.CertDir, id+".crt")),
		KeyFile:            override(e.KeyFile, filepath.Join(s.CertDir, id+".key")),
		CAFile:             override(e.CAFile, filepath.Join(s.CertDir, id+".ca")),
	}, nil
}

// entryID derives a stable identifier from the domain list so generated file
// names survive restarts and config reshuffles.
func entryID(domains []string) string {
	sum := md5.Sum([]byte(strings.Join(domains, " ")))
	return hex.EncodeToString(sum[:])
}

func override(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func overrideInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
