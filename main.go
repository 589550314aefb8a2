package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/shelltop/internal/auth"
	"github.com/gluk-w/shelltop/internal/config"
	"github.com/gluk-w/shelltop/internal/credentials"
	"github.com/gluk-w/shelltop/internal/gc"
	"github.com/gluk-w/shelltop/internal/handlers"
	"github.com/gluk-w/shelltop/internal/logging"
	"github.com/gluk-w/shelltop/internal/middleware"
	"github.com/gluk-w/shelltop/internal/ptysession"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--hash-password" {
		runHashPassword()
		return
	}

	configPath := flag.String("config", os.Getenv("SHELLTOP_CONFIG"), "Path to YAML config file")
	flag.Parse()

	config.Load(*configPath)
	logging.Init()
	defer logging.Close()

	log.Printf("Config: BindAddr=%s Users=%d WebAuthnRP=%s OTPWebhook=%v TLS=%v JWTSecretGenerated=%v",
		config.Cfg.BindAddr, len(config.Cfg.Users), config.Cfg.WebAuthn.RPID,
		config.Cfg.OTP.WebhookURL != "", config.Cfg.TLS.Cert != "", config.Cfg.JWTSecretGenerated)

	credStore, err := credentials.Open(filepath.Join(config.Cfg.DataPath, "shelltop.db"))
	if err != nil {
		log.Fatalf("Credential store init: %v", err)
	}
	defer credStore.Close()

	// Stores and services
	revocations := auth.NewRevocationStore()
	sessions := auth.NewSessionStore()
	tickets := auth.NewTicketStore()
	tokens := auth.NewTokenService(config.Cfg.JWTSecret, revocations)
	otp := auth.NewOTPChannel(config.Cfg.OTP.WebhookURL, sessions)
	limiter := middleware.NewRateLimiter()
	registry := ptysession.NewRegistry()

	webauthnVerifier, err := auth.NewWebAuthnVerifier(config.Cfg.WebAuthn.RPID, config.Cfg.WebAuthn.RPOrigin, credStore)
	if err != nil {
		log.Printf("WARNING: WebAuthn init failed, factor unavailable: %v", err)
		webauthnVerifier = nil
	}

	handlers.Sessions = sessions
	handlers.Tokens = tokens
	handlers.Revocations = revocations
	handlers.Tickets = tickets
	handlers.WebAuthn = webauthnVerifier
	handlers.OTP = otp
	handlers.Credentials = credStore
	handlers.PTYRegistry = registry

	// GC loop over every TTL-bearing store
	sweeper, err := gc.Start("@every 60s", revocations, sessions, tickets, limiter)
	if err != nil {
		log.Fatalf("GC init: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.SecurityHeaders)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.LimitBody)

		// Login-flow endpoints (no bearer, rate-limited per client IP)
		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)

			r.Post("/login", handlers.Login)
			r.Post("/webauthn/challenge", handlers.WebAuthnChallenge)
			r.Post("/webauthn/verify", handlers.WebAuthnVerify)
			r.Post("/otp/verify", handlers.OTPVerify)
		})

		// Logout accepts invalid tokens; no bearer middleware
		r.Post("/logout", handlers.Logout)

		// Credential management (bearer required)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(tokens))

			r.Post("/webauthn/register/start", handlers.WebAuthnRegisterStart)
			r.Post("/webauthn/register/finish", handlers.WebAuthnRegisterFinish)
			r.Get("/webauthn/credentials", handlers.ListCredentials)
			r.Delete("/webauthn/credentials/{credId}", handlers.DeleteCredential)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(tokens))
			r.Post("/ticket", handlers.CreateTicket)
		})

		// The WebSocket authenticates with its ticket, not a bearer header
		r.Get("/terminal", handlers.TerminalWS)
	})

	srv := &http.Server{
		Addr:    config.Cfg.BindAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		var err error
		if config.Cfg.TLS.Cert != "" {
			log.Printf("Server starting on %s (TLS)", config.Cfg.BindAddr)
			err = srv.ListenAndServeTLS(config.Cfg.TLS.Cert, config.Cfg.TLS.Key)
		} else {
			log.Printf("Server starting on %s", config.Cfg.BindAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-sweeper.Stop().Done()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// runHashPassword prints an argon2id hash for the users[].password_hash
// config field. It reads the password from argv to stay dependency-free;
// operators should clear their shell history if that matters to them.
func runHashPassword() {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	password := fs.String("password", "", "Password to hash")
	fs.Parse(os.Args[2:])

	if *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: shelltop --hash-password --password <pass>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	fmt.Println(hash)
}
