package auth

import (
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/gluk-w/shelltop/internal/credentials"
)

// WebAuthnVerifier owns the registration and authentication ceremonies for
// FIDO2 credentials. RP id and origin come from configuration; an assertion
// minted for a different origin fails validation.
type WebAuthnVerifier struct {
	wa    *webauthn.WebAuthn
	creds *credentials.Store
}

func NewWebAuthnVerifier(rpID, rpOrigin string, creds *credentials.Store) (*WebAuthnVerifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Shelltop",
		RPID:          rpID,
		RPOrigins:     []string{rpOrigin},
	})
	if err != nil {
		return nil, err
	}
	return &WebAuthnVerifier{wa: wa, creds: creds}, nil
}

// HasCredentials reports whether userID can complete the WebAuthn factor.
func (v *WebAuthnVerifier) HasCredentials(userID string) bool {
	return v.creds.HasAny(userID)
}

// BeginLogin produces assertion options and the challenge state the caller
// must hold against the session until FinishLogin.
func (v *WebAuthnVerifier) BeginLogin(userID string) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	user, err := v.loadUser(userID)
	if err != nil {
		return nil, nil, err
	}
	return v.wa.BeginLogin(user)
}

// FinishLogin validates an assertion against the stored challenge state.
// Beyond signature and challenge, the library enforces RP id/origin binding
// and the monotonic signature counter; a counter regression surfaces as a
// clone warning and is rejected here.
func (v *WebAuthnVerifier) FinishLogin(userID string, sd *webauthn.SessionData, assertionJSON []byte) error {
	user, err := v.loadUser(userID)
	if err != nil {
		return err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(assertionJSON)
	if err != nil {
		return err
	}
	cred, err := v.wa.ValidateLogin(user, *sd, parsed)
	if err != nil {
		return err
	}
	if cred.Authenticator.CloneWarning {
		return fmt.Errorf("webauthn: signature counter regression for credential %x", cred.ID)
	}
	return v.creds.UpdateSignCount(cred.ID, cred.Authenticator.SignCount)
}

// BeginRegistration produces creation options for enrolling a new credential.
func (v *WebAuthnVerifier) BeginRegistration(userID string) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	user, err := v.loadUser(userID)
	if err != nil {
		return nil, nil, err
	}
	return v.wa.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}),
	)
}

// FinishRegistration verifies the attestation and persists the resulting
// credential descriptor. The stored counter starts at the attestation's
// signature counter.
func (v *WebAuthnVerifier) FinishRegistration(userID, name string, sd *webauthn.SessionData, attestationJSON []byte) error {
	user, err := v.loadUser(userID)
	if err != nil {
		return err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(attestationJSON)
	if err != nil {
		return err
	}
	cred, err := v.wa.CreateCredential(user, *sd, parsed)
	if err != nil {
		return err
	}
	return v.creds.Save(userID, name, cred)
}

func (v *WebAuthnVerifier) loadUser(userID string) (*gatewayUser, error) {
	creds, err := v.creds.ForUser(userID)
	if err != nil {
		return nil, err
	}
	return &gatewayUser{id: userID, credentials: creds}, nil
}

// gatewayUser adapts a configured user id plus its stored credentials to the
// webauthn.User interface. User ids are configuration strings, so the id
// doubles as the user handle.
type gatewayUser struct {
	id          string
	credentials []webauthn.Credential
}

func (u *gatewayUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *gatewayUser) WebAuthnName() string                       { return u.id }
func (u *gatewayUser) WebAuthnDisplayName() string                { return u.id }
func (u *gatewayUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
