// Package credentials persists registered WebAuthn credential descriptors.
// This is the one piece of auth state that survives a restart; sessions,
// tickets and revocations are in-memory by design.
package credentials

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fernet/fernet-go"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const fernetKeySetting = "fernet_key"

// Store is a sqlite-backed credential store. Public key material is
// encrypted at rest with a fernet key kept in the same database.
type Store struct {
	db  *gorm.DB
	key *fernet.Key
}

// Open creates or opens the credential database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Credential{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadOrGenerateKey(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) loadOrGenerateKey() error {
	var row Setting
	err := s.db.Where("key = ?", fernetKeySetting).First(&row).Error
	if err == nil {
		key, derr := fernet.DecodeKey(row.Value)
		if derr != nil {
			return fmt.Errorf("decode fernet key: %w", derr)
		}
		s.key = key
		return nil
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return fmt.Errorf("generate fernet key: %w", err)
	}
	if err := s.db.Create(&Setting{Key: fernetKeySetting, Value: k.Encode()}).Error; err != nil {
		return fmt.Errorf("save fernet key: %w", err)
	}
	s.key = &k
	return nil
}

func (s *Store) encrypt(plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *Store) decrypt(ciphertext string) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{s.key})
	if msg == nil {
		return nil, fmt.Errorf("decrypt: invalid token")
	}
	return msg, nil
}

// credentialKey is the primary-key encoding of a raw credential id.
func credentialKey(rawID []byte) string {
	return base64.RawURLEncoding.EncodeToString(rawID)
}

// Save persists a freshly registered credential for userID.
func (s *Store) Save(userID, name string, cred *webauthn.Credential) error {
	enc, err := s.encrypt(cred.PublicKey)
	if err != nil {
		return err
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}

	row := &Credential{
		ID:              credentialKey(cred.ID),
		UserID:          userID,
		Name:            name,
		PublicKey:       enc,
		AttestationType: cred.AttestationType,
		Transport:       strings.Join(transports, ","),
		SignCount:       cred.Authenticator.SignCount,
		AAGUID:          cred.Authenticator.AAGUID,
	}
	return s.db.Create(row).Error
}

// ForUser returns the decrypted webauthn credentials registered to userID.
func (s *Store) ForUser(userID string) ([]webauthn.Credential, error) {
	var rows []Credential
	if err := s.db.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}

	creds := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		rawID, err := base64.RawURLEncoding.DecodeString(row.ID)
		if err != nil {
			return nil, fmt.Errorf("credential %s: bad id encoding: %w", row.ID, err)
		}
		pubKey, err := s.decrypt(row.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", row.ID, err)
		}

		var transports []protocol.AuthenticatorTransport
		if row.Transport != "" {
			for _, t := range strings.Split(row.Transport, ",") {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}

		creds = append(creds, webauthn.Credential{
			ID:              rawID,
			PublicKey:       pubKey,
			AttestationType: row.AttestationType,
			Transport:       transports,
			Authenticator: webauthn.Authenticator{
				SignCount: row.SignCount,
				AAGUID:    row.AAGUID,
			},
		})
	}
	return creds, nil
}

// HasAny reports whether userID has at least one registered credential.
// Login uses this to decide whether the WebAuthn factor applies.
func (s *Store) HasAny(userID string) bool {
	var count int64
	s.db.Model(&Credential{}).Where("user_id = ?", userID).Count(&count)
	return count > 0
}

// UpdateSignCount stores the authenticator counter observed during a
// successful assertion.
func (s *Store) UpdateSignCount(rawID []byte, count uint32) error {
	return s.db.Model(&Credential{}).
		Where("id = ?", credentialKey(rawID)).
		Update("sign_count", count).Error
}

// List returns the operator-facing credential summaries for userID.
func (s *Store) List(userID string) ([]Info, error) {
	var rows []Credential
	if err := s.db.Where("user_id = ?", userID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, Info{ID: row.ID, Name: row.Name, CreatedAt: row.CreatedAt})
	}
	return infos, nil
}

// Delete removes a credential by id, scoped to userID so one user cannot
// revoke another's credential.
func (s *Store) Delete(id, userID string) error {
	return s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&Credential{}).Error
}
