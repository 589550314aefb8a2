package credentials

import "time"

// Credential is one registered FIDO2 credential descriptor. PublicKey holds
// the COSE public key encrypted with the store's fernet key; everything else
// is stored in the clear.
type Credential struct {
	ID              string    `gorm:"primaryKey;size:256" json:"id"`
	UserID          string    `gorm:"not null;index;size:64" json:"user_id"`
	Name            string    `json:"name"`
	PublicKey       string    `gorm:"not null" json:"-"`
	AttestationType string    `json:"-"`
	Transport       string    `json:"-"`
	SignCount       uint32    `gorm:"default:0" json:"-"`
	AAGUID          []byte    `json:"-"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Setting is a key/value row for store-internal state, currently just the
// fernet encryption key.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Info is the operator-facing view of a credential, for listing and audit.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
