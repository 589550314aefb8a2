package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// OTPTTL bounds how long an issued code is accepted. It coincides with the
// session TTL because codes are issued at session creation.
const OTPTTL = 5 * time.Minute

// OTPChannel generates one-time codes and delivers them through an outbound
// chat-service webhook. Delivery is a single attempt; on failure the caller
// surfaces a generic error and the user retries the login.
type OTPChannel struct {
	webhookURL string
	client     *http.Client
	sessions   *SessionStore
}

func NewOTPChannel(webhookURL string, sessions *SessionStore) *OTPChannel {
	return &OTPChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		sessions:   sessions,
	}
}

// Enabled reports whether a webhook is configured, which is what makes the
// OTP factor available at all.
func (c *OTPChannel) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

// IssueAndSend generates a 6-digit code, stores it on the session, and
// POSTs it to the webhook.
func (c *OTPChannel) IssueAndSend(sessionID, userID string) error {
	code, err := generateCode()
	if err != nil {
		return err
	}

	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("otp: session %s not found", sessionID)
	}
	sess.OTPCode = code
	sess.OTPIssuedAt = time.Now()
	c.sessions.Update(sess)

	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("Login code for %s: %s (valid 5 minutes)", userID, code),
	})
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("otp: webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("otp: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Verify compares submitted against the code stored on sess, in constant
// time. It does not consume the session; the caller does that on success.
func (c *OTPChannel) Verify(sess Session, submitted string) bool {
	if sess.OTPCode == "" || submitted == "" {
		return false
	}
	if time.Since(sess.OTPIssuedAt) > OTPTTL {
		return false
	}
	if len(submitted) != len(sess.OTPCode) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(sess.OTPCode)) == 1
}

// generateCode draws a zero-padded 6-digit code from the crypto RNG.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
