package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/shelltop/internal/apierr"
	"github.com/gluk-w/shelltop/internal/auth"
	"github.com/gluk-w/shelltop/internal/config"
	"github.com/gluk-w/shelltop/internal/credentials"
	"github.com/gluk-w/shelltop/internal/logutil"
	"github.com/gluk-w/shelltop/internal/middleware"
)

// Collaborators wired from main.go during init.
var (
	Sessions    *auth.SessionStore
	Tokens      *auth.TokenService
	Revocations *auth.RevocationStore
	Tickets     *auth.TicketStore
	WebAuthn    *auth.WebAuthnVerifier
	OTP         *auth.OTPChannel
	Credentials *credentials.Store
)

// issueToken mints a bearer token and writes the complete response.
func issueToken(w http.ResponseWriter, userID string) {
	token, claims, err := Tokens.Mint(userID, auth.TokenTTL)
	if err != nil {
		apierr.Write(w, apierr.Internal, fmt.Errorf("mint token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, completeResponse(token, claims.ExpiresAt))
}

// Login verifies the password factor and either completes immediately or
// opens a session for the second factor. All failures are the same generic
// 401 so responses never reveal whether the user exists.
func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}
	if body.Username == "" || body.Password == "" {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}

	user, ok := config.UserByID(body.Username)
	if !ok || !auth.VerifyPassword(body.Password, user.PasswordHash) {
		apierr.Write(w, apierr.AuthFailed, fmt.Errorf("login rejected for %q", logutil.SanitizeForLog(body.Username)))
		return
	}

	// Second-factor policy: WebAuthn wins if the user has a credential,
	// otherwise OTP if a webhook is configured, otherwise single-factor.
	switch {
	case WebAuthn != nil && WebAuthn.HasCredentials(user.ID):
		sessionID, err := Sessions.Create(user.ID, auth.StepWebAuthn)
		if err != nil {
			apierr.Write(w, apierr.Internal, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "next_step",
			"session_id": sessionID,
			"next_step":  auth.StepWebAuthn,
		})

	case OTP.Enabled():
		sessionID, err := Sessions.Create(user.ID, auth.StepOTP)
		if err != nil {
			apierr.Write(w, apierr.Internal, err)
			return
		}
		if err := OTP.IssueAndSend(sessionID, user.ID); err != nil {
			apierr.Write(w, apierr.Internal, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "next_step",
			"session_id": sessionID,
			"next_step":  auth.StepOTP,
		})

	default:
		log.Printf("single-factor login for %s (no credential, no OTP webhook)", logutil.SanitizeForLog(user.ID))
		issueToken(w, user.ID)
	}
}

// WebAuthnChallenge returns assertion options for an in-flight session.
func WebAuthnChallenge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}

	sess, ok := Sessions.Get(body.SessionID)
	if !ok || sess.NextStep != auth.StepWebAuthn || WebAuthn == nil {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}

	options, sd, err := WebAuthn.BeginLogin(sess.UserID)
	if err != nil {
		apierr.Write(w, apierr.AuthFailed, fmt.Errorf("webauthn begin login: %w", err))
		return
	}
	sess.WebAuthn = sd
	Sessions.Update(sess)

	writeJSON(w, http.StatusOK, options)
}

// WebAuthnVerify validates an assertion, consumes the session, and mints a
// token. The session is consumed atomically so a concurrent duplicate
// submission cannot also succeed.
func WebAuthnVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID  string          `json:"session_id"`
		Credential json.RawMessage `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" || len(body.Credential) == 0 {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}

	sess, ok := Sessions.Get(body.SessionID)
	if !ok || sess.NextStep != auth.StepWebAuthn || sess.WebAuthn == nil || WebAuthn == nil {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}

	if err := WebAuthn.FinishLogin(sess.UserID, sess.WebAuthn, body.Credential); err != nil {
		apierr.Write(w, apierr.AuthFailed, fmt.Errorf("webauthn verify: %w", err))
		return
	}

	if _, ok := Sessions.Consume(body.SessionID); !ok {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}
	issueToken(w, sess.UserID)
}

// OTPVerify checks a submitted code against the session's issued code.
func OTPVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" || body.Code == "" {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}

	sess, ok := Sessions.Get(body.SessionID)
	if !ok || sess.NextStep != auth.StepOTP {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}

	if !OTP.Verify(sess, body.Code) {
		apierr.Write(w, apierr.AuthFailed, fmt.Errorf("otp rejected for session %s", logutil.SanitizeForLog(body.SessionID)))
		return
	}

	if _, ok := Sessions.Consume(body.SessionID); !ok {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}
	issueToken(w, sess.UserID)
}

// Logout revokes the presented token. It is idempotent and always 204:
// revoking an invalid, expired, or already-revoked token is a no-op.
func Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			token = body.Token
		}
	}

	if token != "" {
		if claims, err := Tokens.DecodeForRevocation(token); err == nil {
			Revocations.Insert(claims.JTI, claims.ExpiresAt)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateTicket mints a single-use WebSocket ticket for the bearer's user.
func CreateTicket(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r)
	if !ok {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}
	ticket, err := Tickets.Mint(claims.UserID)
	if err != nil {
		apierr.Write(w, apierr.Internal, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket})
}

// WebAuthnRegisterStart begins credential enrolment for the bearer's user.
func WebAuthnRegisterStart(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r)
	if !ok {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}
	if WebAuthn == nil {
		apierr.Write(w, apierr.BadRequest, fmt.Errorf("webauthn not configured"))
		return
	}

	options, sd, err := WebAuthn.BeginRegistration(claims.UserID)
	if err != nil {
		apierr.Write(w, apierr.Internal, fmt.Errorf("webauthn begin registration: %w", err))
		return
	}

	sessionID, err := Sessions.Create(claims.UserID, auth.StepRegister)
	if err != nil {
		apierr.Write(w, apierr.Internal, err)
		return
	}
	sess, _ := Sessions.Get(sessionID)
	sess.WebAuthn = sd
	Sessions.Update(sess)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"publicKey":  options.Response,
	})
}

// WebAuthnRegisterFinish verifies the attestation and stores the credential.
func WebAuthnRegisterFinish(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r)
	if !ok {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}

	var body struct {
		SessionID  string          `json:"session_id"`
		Name       string          `json:"name"`
		Credential json.RawMessage `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" || len(body.Credential) == 0 {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}

	sess, ok := Sessions.Get(body.SessionID)
	if !ok || sess.NextStep != auth.StepRegister || sess.UserID != claims.UserID || sess.WebAuthn == nil {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}

	name := body.Name
	if name == "" {
		name = fmt.Sprintf("Passkey %s", time.Now().Format("2006-01-02"))
	}

	if err := WebAuthn.FinishRegistration(claims.UserID, name, sess.WebAuthn, body.Credential); err != nil {
		apierr.Write(w, apierr.BadRequest, fmt.Errorf("webauthn registration: %w", err))
		return
	}
	Sessions.Consume(body.SessionID)

	w.WriteHeader(http.StatusNoContent)
}

// ListCredentials returns the bearer's registered credential descriptors.
func ListCredentials(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r)
	if !ok {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}
	infos, err := Credentials.List(claims.UserID)
	if err != nil {
		apierr.Write(w, apierr.Internal, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// DeleteCredential removes one of the bearer's credentials.
func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r)
	if !ok {
		apierr.Write(w, apierr.AuthFailed, nil)
		return
	}
	credID := chi.URLParam(r, "credId")
	if credID == "" {
		apierr.Write(w, apierr.BadRequest, nil)
		return
	}
	if err := Credentials.Delete(credID, claims.UserID); err != nil {
		apierr.Write(w, apierr.Internal, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
