// Package config loads the gateway's configuration from a YAML file with
// environment-variable overrides, and validates it before the server starts.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLen is the minimum acceptable length, in bytes, for jwt_secret.
// Configurations below this are rejected at startup rather than accepted
// silently.
const MinJWTSecretLen = 32

// User describes one operator allowed to authenticate against this gateway.
type User struct {
	ID           string `yaml:"id"`
	PasswordHash string `yaml:"password_hash"`
	Root         string `yaml:"root"`
}

// TLSConfig names the PEM cert/key pair for the HTTPS listener. Both fields
// must be set together, or both left empty.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// WebAuthnConfig binds the RP id/origin used by the WebAuthn verifier.
type WebAuthnConfig struct {
	RPID     string `yaml:"rp_id"`
	RPOrigin string `yaml:"rp_origin"`
}

// OTPConfig names the outbound webhook used to deliver one-time codes.
type OTPConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Settings is the fully resolved configuration for one gateway process.
type Settings struct {
	BindAddr  string         `yaml:"bind_addr" envconfig:"BIND_ADDR"`
	JWTSecret string         `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TLS       TLSConfig      `yaml:"tls"`
	Users     []User         `yaml:"users"`
	WebAuthn  WebAuthnConfig `yaml:"webauthn"`
	OTP       OTPConfig      `yaml:"otp"`

	MaxUploadSizeMB           int  `yaml:"max_upload_size_mb" envconfig:"MAX_UPLOAD_SIZE_MB"`
	AllowInsecureExternalBind bool `yaml:"allow_insecure_external_bind" envconfig:"ALLOW_INSECURE_EXTERNAL_BIND"`

	Shell    string `yaml:"shell" envconfig:"SHELL_PATH"`
	DataPath string `yaml:"data_path" envconfig:"DATA_PATH"`
	LogPath  string `yaml:"log_path" envconfig:"LOG_PATH"`

	// Env-only single-user fallback, used when the users table is empty.
	DefaultUserID           string `yaml:"-" envconfig:"USER_ID"`
	DefaultUserPasswordHash string `yaml:"-" envconfig:"USER_PASSWORD_HASH"`
	DefaultUserRoot         string `yaml:"-" envconfig:"USER_ROOT"`

	// JWTSecretGenerated records whether JWTSecret was auto-generated at
	// load time (as opposed to configured), purely for the startup log line.
	JWTSecretGenerated bool `yaml:"-"`
}

// Cfg is the process-wide, load-once configuration.
var Cfg Settings

func defaults() Settings {
	return Settings{
		MaxUploadSizeMB: 100,
		DataPath:        "/app/data",
		WebAuthn: WebAuthnConfig{
			RPID:     "localhost",
			RPOrigin: "https://localhost",
		},
	}
}

// Load reads the YAML file at path (if non-empty and present), overlays
// environment variables with the SHELLTOP_ prefix, then validates the
// result. It calls log.Fatalf on any validation failure; the process must
// not come up with an unsafe configuration.
func Load(path string) {
	cfg := defaults()

	if path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			log.Fatalf("failed to load config %s: %v", path, err)
		}
	}

	if err := envconfig.Process("SHELLTOP", &cfg); err != nil {
		log.Fatalf("failed to process environment overrides: %v", err)
	}

	if err := validateAndFinalize(&cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	Cfg = cfg
}

// loadYAMLFile decodes path into cfg, rejecting unrecognized keys.
func loadYAMLFile(path string, cfg *Settings) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func validateAndFinalize(cfg *Settings) error {
	if len(cfg.Users) == 0 && cfg.DefaultUserID != "" {
		cfg.Users = []User{{
			ID:           cfg.DefaultUserID,
			PasswordHash: cfg.DefaultUserPasswordHash,
			Root:         cfg.DefaultUserRoot,
		}}
	}

	authConfigured := len(cfg.Users) > 0

	if cfg.BindAddr == "" {
		if authConfigured {
			cfg.BindAddr = "0.0.0.0:9090"
		} else {
			cfg.BindAddr = "127.0.0.1:9090"
		}
	}
	if !authConfigured && !cfg.AllowInsecureExternalBind {
		host, _, err := net.SplitHostPort(cfg.BindAddr)
		if err == nil && host != "127.0.0.1" && host != "localhost" && host != "::1" {
			return fmt.Errorf("bind_addr %q is externally reachable but no users are configured; set allow_insecure_external_bind to override", cfg.BindAddr)
		}
	}

	if (cfg.TLS.Cert == "") != (cfg.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}

	for i, u := range cfg.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d].id is required", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("users[%d].password_hash is required", i)
		}
		if u.Root == "" {
			return fmt.Errorf("users[%d].root is required", i)
		}
	}

	if cfg.JWTSecret == "" {
		secret, err := generateSecret(MinJWTSecretLen)
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
		cfg.JWTSecretGenerated = true
		log.Printf("WARNING: jwt_secret not configured; generated an ephemeral one. Tokens will not validate across restarts.")
	} else if len(cfg.JWTSecret) < MinJWTSecretLen {
		return fmt.Errorf("jwt_secret must be at least %d bytes, got %d", MinJWTSecretLen, len(cfg.JWTSecret))
	}

	if cfg.MaxUploadSizeMB <= 0 {
		cfg.MaxUploadSizeMB = 100
	}

	cfg.DataPath = strings.TrimRight(cfg.DataPath, "/")
	if cfg.DataPath == "" {
		cfg.DataPath = "/app/data"
	}

	return nil
}

func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// UserByID finds a configured user, or reports its absence. Kept here (not
// in a credentials/database package) because users are configuration, not
// persisted state — spec.md §3: "created at process start from
// configuration; immutable at runtime".
func UserByID(id string) (User, bool) {
	for _, u := range Cfg.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}
