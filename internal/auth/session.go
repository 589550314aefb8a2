package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// SessionTTL bounds how long a login attempt may sit between password
// verification and the second factor completing.
const SessionTTL = 5 * time.Minute

// Next-step values for an in-flight login attempt.
const (
	StepWebAuthn = "webauthn"
	StepOTP      = "otp"

	// StepRegister marks a credential-enrolment session started by an
	// already-authenticated caller; it never appears in login responses.
	StepRegister = "webauthn_register"
)

// Session is one in-flight authentication attempt that has passed the
// password factor and awaits its second factor.
type Session struct {
	ID        string
	UserID    string
	NextStep  string
	CreatedAt time.Time

	// OTPCode is set once a code has been issued for this session.
	OTPCode     string
	OTPIssuedAt time.Time

	// WebAuthn holds the library's challenge state between begin and finish.
	WebAuthn *webauthn.SessionData
}

// SessionStore holds in-flight auth sessions keyed by an unguessable id.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]Session)}
}

// Create registers a new session and returns its id.
func (s *SessionStore) Create(userID, nextStep string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	id := hex.EncodeToString(b)
	s.mu.Lock()
	s.sessions[id] = Session{
		ID:        id,
		UserID:    userID,
		NextStep:  nextStep,
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()
	return id, nil
}

// Get returns a copy of the session, or false if absent or past its TTL.
func (s *SessionStore) Get(sessionID string) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok || time.Since(sess.CreatedAt) > SessionTTL {
		return Session{}, false
	}
	return sess, true
}

// Update replaces the stored session. A session that has already been
// consumed or swept is not resurrected.
func (s *SessionStore) Update(sess Session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; ok {
		s.sessions[sess.ID] = sess
	}
	s.mu.Unlock()
}

// Consume atomically removes and returns the session. Exactly one caller
// observes ok=true for a given id, which is what makes 2FA verification
// single-shot under concurrent submissions.
func (s *SessionStore) Consume(sessionID string) (Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok || time.Since(sess.CreatedAt) > SessionTTL {
		return Session{}, false
	}
	return sess, true
}

// Sweep discards sessions older than the TTL.
func (s *SessionStore) Sweep(now time.Time) {
	s.mu.Lock()
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > SessionTTL {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
}
