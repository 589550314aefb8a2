package credentials

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleCredential() *webauthn.Credential {
	return &webauthn.Credential{
		ID:              []byte{0x01, 0x02, 0x03, 0x04},
		PublicKey:       []byte("cose-public-key-material"),
		AttestationType: "none",
		Transport:       []protocol.AuthenticatorTransport{protocol.USB, protocol.Internal},
		Authenticator: webauthn.Authenticator{
			SignCount: 7,
			AAGUID:    []byte{0xaa, 0xbb},
		},
	}
}

func TestSaveAndLoadCredential(t *testing.T) {
	s := openTestStore(t)

	if s.HasAny("alice") {
		t.Fatal("empty store claims credentials")
	}

	if err := s.Save("alice", "yubikey", sampleCredential()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !s.HasAny("alice") {
		t.Fatal("HasAny false after save")
	}
	if s.HasAny("bob") {
		t.Fatal("credential leaked to another user")
	}

	creds, err := s.ForUser("alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(creds))
	}

	got := creds[0]
	want := sampleCredential()
	if !bytes.Equal(got.ID, want.ID) {
		t.Errorf("id mismatch: %x vs %x", got.ID, want.ID)
	}
	if !bytes.Equal(got.PublicKey, want.PublicKey) {
		t.Errorf("public key did not round-trip")
	}
	if got.AttestationType != "none" {
		t.Errorf("attestation type %q", got.AttestationType)
	}
	if len(got.Transport) != 2 {
		t.Errorf("transports did not round-trip: %v", got.Transport)
	}
	if got.Authenticator.SignCount != 7 {
		t.Errorf("sign count %d", got.Authenticator.SignCount)
	}
	if !bytes.Equal(got.Authenticator.AAGUID, want.Authenticator.AAGUID) {
		t.Errorf("aaguid did not round-trip")
	}
}

func TestPublicKeyEncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save("alice", "key", sampleCredential()); err != nil {
		t.Fatalf("save: %v", err)
	}

	var row Credential
	if err := s.db.First(&row).Error; err != nil {
		t.Fatalf("raw row: %v", err)
	}
	if bytes.Contains([]byte(row.PublicKey), []byte("cose-public-key-material")) {
		t.Fatal("public key stored in the clear")
	}
}

func TestUpdateSignCount(t *testing.T) {
	s := openTestStore(t)
	cred := sampleCredential()
	if err := s.Save("alice", "key", cred); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.UpdateSignCount(cred.ID, 42); err != nil {
		t.Fatalf("update: %v", err)
	}

	creds, _ := s.ForUser("alice")
	if creds[0].Authenticator.SignCount != 42 {
		t.Fatalf("sign count not updated: %d", creds[0].Authenticator.SignCount)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save("alice", "laptop key", sampleCredential()); err != nil {
		t.Fatalf("save: %v", err)
	}

	infos, err := s.List("alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "laptop key" {
		t.Fatalf("unexpected listing %+v", infos)
	}

	// Deleting under the wrong user must not remove it.
	if err := s.Delete(infos[0].ID, "bob"); err != nil {
		t.Fatalf("delete as bob: %v", err)
	}
	if !s.HasAny("alice") {
		t.Fatal("bob deleted alice's credential")
	}

	if err := s.Delete(infos[0].ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.HasAny("alice") {
		t.Fatal("credential survived delete")
	}
}

func TestFernetKeyPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Save("alice", "key", sampleCredential()); err != nil {
		t.Fatalf("save: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	creds, err := s2.ForUser("alice")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if len(creds) != 1 || !bytes.Equal(creds[0].PublicKey, []byte("cose-public-key-material")) {
		t.Fatal("credential unreadable after reopen; fernet key did not persist")
	}
}
