package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used when hashing new passwords. Verification always
// uses the parameters embedded in the stored hash, so these only matter for
// the --hash-password CLI path.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

// HashPassword produces a PHC-formatted argon2id hash suitable for the
// users[].password_hash config field.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks candidate against a PHC-formatted argon2id hash.
// Any parse failure yields false; it never returns an error. The comparison
// of derived keys is constant-time.
func VerifyPassword(candidate, storedHash string) bool {
	params, salt, key, ok := parseArgon2idHash(storedHash)
	if !ok {
		return false
	}
	derived := argon2.IDKey([]byte(candidate), salt, params.time, params.memory, params.threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(derived, key) == 1
}

type argon2idParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

// parseArgon2idHash splits "$argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>".
func parseArgon2idHash(h string) (argon2idParams, []byte, []byte, bool) {
	parts := strings.Split(h, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argon2idParams{}, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argon2idParams{}, nil, nil, false
	}

	var p argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argon2idParams{}, nil, nil, false
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return argon2idParams{}, nil, nil, false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return argon2idParams{}, nil, nil, false
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return argon2idParams{}, nil, nil, false
	}
	return p, salt, key, true
}
