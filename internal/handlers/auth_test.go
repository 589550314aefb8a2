package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/shelltop/internal/auth"
	"github.com/gluk-w/shelltop/internal/config"
	"github.com/gluk-w/shelltop/internal/credentials"
	"github.com/gluk-w/shelltop/internal/middleware"
	"github.com/gluk-w/shelltop/internal/ptysession"
)

// testEnv wires the handler package's collaborators the way main.go does,
// minus the rate limiter so auth tests aren't throttled.
type testEnv struct {
	server *httptest.Server
}

func setupEnv(t *testing.T, cfg config.Settings) *testEnv {
	t.Helper()

	credStore, err := credentials.Open(t.TempDir() + "/creds.db")
	if err != nil {
		t.Fatalf("credential store: %v", err)
	}
	t.Cleanup(func() { credStore.Close() })

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	}
	if cfg.WebAuthn.RPID == "" {
		cfg.WebAuthn = config.WebAuthnConfig{RPID: "localhost", RPOrigin: "https://localhost"}
	}
	config.Cfg = cfg

	Revocations = auth.NewRevocationStore()
	Sessions = auth.NewSessionStore()
	Tickets = auth.NewTicketStore()
	Tokens = auth.NewTokenService(cfg.JWTSecret, Revocations)
	OTP = auth.NewOTPChannel(cfg.OTP.WebhookURL, Sessions)
	Credentials = credStore
	PTYRegistry = ptysession.NewRegistry()

	WebAuthn, err = auth.NewWebAuthnVerifier(cfg.WebAuthn.RPID, cfg.WebAuthn.RPOrigin, credStore)
	if err != nil {
		t.Fatalf("webauthn verifier: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.SecurityHeaders)
	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.LimitBody)
		r.Post("/login", Login)
		r.Post("/webauthn/challenge", WebAuthnChallenge)
		r.Post("/webauthn/verify", WebAuthnVerify)
		r.Post("/otp/verify", OTPVerify)
		r.Post("/logout", Logout)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(Tokens))
			r.Post("/webauthn/register/start", WebAuthnRegisterStart)
			r.Post("/webauthn/register/finish", WebAuthnRegisterFinish)
			r.Get("/webauthn/credentials", ListCredentials)
			r.Delete("/webauthn/credentials/{credId}", DeleteCredential)
		})
	})
	r.Route("/ws", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(Tokens))
			r.Post("/ticket", CreateTicket)
		})
		r.Get("/terminal", TerminalWS)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv}
}

func singleUserConfig(t *testing.T, password string) config.Settings {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return config.Settings{
		Users: []config.User{{ID: "alice", PasswordHash: hash, Root: t.TempDir()}},
	}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest("POST", e.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var parsed map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		json.Unmarshal(raw, &parsed)
	}
	return resp, parsed
}

func (e *testEnv) login(t *testing.T, username, password string) (*http.Response, map[string]interface{}) {
	t.Helper()
	return e.post(t, "/auth/login", map[string]string{"username": username, "password": password}, "")
}

func TestLoginSingleFactor(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	resp, body := env.login(t, "alice", "hunter2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "complete" {
		t.Fatalf("expected complete, got %v", body)
	}
	if body["token"] == "" || body["token"] == nil {
		t.Fatal("missing token")
	}
	if body["expires_at"] == nil {
		t.Fatal("missing expires_at")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	resp, body := env.login(t, "alice", "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["token"] != nil {
		t.Fatal("401 body carries a token")
	}
}

func TestLoginUnknownUserSameResponse(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	respWrong, bodyWrong := env.login(t, "alice", "wrong")
	respUnknown, bodyUnknown := env.login(t, "mallory", "whatever")

	if respWrong.StatusCode != http.StatusUnauthorized || respUnknown.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", respWrong.StatusCode, respUnknown.StatusCode)
	}
	if bodyWrong["detail"] != bodyUnknown["detail"] {
		t.Fatalf("responses distinguish unknown user from wrong password: %v vs %v", bodyWrong, bodyUnknown)
	}
}

func TestLoginMalformedBody(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	resp, err := env.server.Client().Post(env.server.URL+"/auth/login", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestOTPFlow(t *testing.T) {
	var delivered struct {
		Text string `json:"text"`
	}
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &delivered)
	}))
	defer webhook.Close()

	cfg := singleUserConfig(t, "hunter2")
	cfg.OTP.WebhookURL = webhook.URL
	env := setupEnv(t, cfg)

	resp, body := env.login(t, "alice", "hunter2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d", resp.StatusCode)
	}
	if body["status"] != "next_step" || body["next_step"] != "otp" {
		t.Fatalf("expected otp next step, got %v", body)
	}
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		t.Fatal("missing session_id")
	}

	code := regexp.MustCompile(`\b\d{6}\b`).FindString(delivered.Text)
	if code == "" {
		t.Fatalf("webhook did not receive a code: %q", delivered.Text)
	}

	// Wrong code first: session survives for a retry.
	resp, _ = env.post(t, "/auth/otp/verify", map[string]string{"session_id": sessionID, "code": "000000"}, "")
	if resp.StatusCode != http.StatusUnauthorized && code != "000000" {
		t.Fatalf("wrong code: expected 401, got %d", resp.StatusCode)
	}

	resp, body = env.post(t, "/auth/otp/verify", map[string]string{"session_id": sessionID, "code": code}, "")
	if resp.StatusCode != http.StatusOK || body["status"] != "complete" {
		t.Fatalf("verify: %d %v", resp.StatusCode, body)
	}
	if body["token"] == nil {
		t.Fatal("missing token after otp verify")
	}

	// Session is consumed: replay fails.
	resp, _ = env.post(t, "/auth/otp/verify", map[string]string{"session_id": sessionID, "code": code}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed verify: expected 401, got %d", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	_, body := env.login(t, "alice", "hunter2")
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("no token from login")
	}

	// Token works before logout.
	resp, ticketBody := env.post(t, "/ws/ticket", nil, token)
	if resp.StatusCode != http.StatusOK || ticketBody["ticket"] == nil {
		t.Fatalf("ticket before logout: %d %v", resp.StatusCode, ticketBody)
	}

	resp, _ = env.post(t, "/auth/logout", nil, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", resp.StatusCode)
	}

	// Revocation store holds the jti until the token's natural expiry.
	claims, err := Tokens.DecodeForRevocation(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !Revocations.Contains(claims.JTI) {
		t.Fatal("jti missing from revocation store after logout")
	}

	// Token is now refused everywhere.
	resp, _ = env.post(t, "/ws/ticket", nil, token)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ticket after logout: expected 401, got %d", resp.StatusCode)
	}

	// Repeated logout is a no-op 204.
	resp, _ = env.post(t, "/auth/logout", nil, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second logout: expected 204, got %d", resp.StatusCode)
	}

	// Sweeping past the original expiry clears the record.
	Revocations.Sweep(claims.ExpiresAt.Add(time.Second))
	if Revocations.Contains(claims.JTI) {
		t.Fatal("revocation record survived sweep past expiry")
	}
}

func TestLogoutWithBodyToken(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	_, body := env.login(t, "alice", "hunter2")
	token, _ := body["token"].(string)

	resp, _ := env.post(t, "/auth/logout", map[string]string{"token": token}, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout via body: expected 204, got %d", resp.StatusCode)
	}

	claims, _ := Tokens.DecodeForRevocation(token)
	if !Revocations.Contains(claims.JTI) {
		t.Fatal("body-token logout did not revoke")
	}
}

func TestLogoutGarbageTokenStill204(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	resp, _ := env.post(t, "/auth/logout", map[string]string{"token": "garbage"}, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for garbage token, got %d", resp.StatusCode)
	}
}

func TestTicketRequiresBearer(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	resp, _ := env.post(t, "/ws/ticket", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", resp.StatusCode)
	}
}

func TestWebAuthnChallengeUnknownSession(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	resp, _ := env.post(t, "/auth/webauthn/challenge", map[string]string{"session_id": "nope"}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown session, got %d", resp.StatusCode)
	}
}

func TestWebAuthnRegisterStart(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	_, body := env.login(t, "alice", "hunter2")
	token, _ := body["token"].(string)

	resp, started := env.post(t, "/auth/webauthn/register/start", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register start: %d", resp.StatusCode)
	}
	if started["session_id"] == nil || started["publicKey"] == nil {
		t.Fatalf("missing session_id/options: %v", started)
	}

	// The challenge session is a registration session, not a login step.
	sessionID := started["session_id"].(string)
	sess, ok := Sessions.Get(sessionID)
	if !ok || sess.NextStep != auth.StepRegister {
		t.Fatalf("unexpected session state %+v ok=%v", sess, ok)
	}
}

func TestListCredentialsEmpty(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	_, body := env.login(t, "alice", "hunter2")
	token, _ := body["token"].(string)

	req, _ := http.NewRequest("GET", env.server.URL+"/auth/webauthn/credentials", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	var infos []credentials.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no credentials, got %d", len(infos))
	}
}

func TestSecurityHeadersOnResponses(t *testing.T) {
	env := setupEnv(t, singleUserConfig(t, "hunter2"))

	resp, _ := env.login(t, "alice", "hunter2")
	if resp.Header.Get("Content-Security-Policy") != "default-src 'self'" {
		t.Errorf("CSP missing on auth response")
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Errorf("X-Frame-Options missing")
	}
}

func TestRateLimitedLogin(t *testing.T) {
	cfg := singleUserConfig(t, "hunter2")
	env := setupEnv(t, cfg)

	// Rebuild the auth route group with the limiter in front, as main does.
	limiter := middleware.NewRateLimiter()
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Post("/auth/login", Login)
	})
	limited := httptest.NewServer(r)
	defer limited.Close()

	client := limited.Client()
	var last int
	for i := 0; i < 30; i++ {
		resp, err := client.Post(limited.URL+"/auth/login", "application/json",
			bytes.NewReader([]byte(`{"username":"alice","password":"wrong"}`)))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after hammering login, got %d", last)
	}
	_ = env
}
