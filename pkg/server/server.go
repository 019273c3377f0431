package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/eonbridge/eonbridge/pkg/eonnext"
	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/poller"
	"github.com/eonbridge/eonbridge/pkg/storage"
	"github.com/levenlabs/go-lflag"
)

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier validates a Google ID Token and returns the email claim,
// subject, and expiry.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, string, time.Time, error)

// oidcTokenVerifier wraps a go-oidc verifier into a tokenVerifier.
func oidcTokenVerifier(verifier *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, string, time.Time, error) {
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return "", "", time.Time{}, err
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", "", time.Time{}, err
		}
		return claims.Email, idToken.Subject, idToken.Expiry, nil
	}
}

// Server handles the HTTP API for the bridge. It exposes the poller's
// snapshots and trigger, stored consumption history, and the settings that
// hold the E.ON Next credentials.
type Server struct {
	api     eonnext.API
	storage storage.Database
	poller  *poller.Poller

	listenAddr string
	httpServer *http.Server

	updateSpecificEmail string
	adminEmails         []string
	oidcAudiences       map[string]string
	oidcVerifiers       map[string]tokenVerifier
	bypassAuth          bool
	encryptionKey       string
	serverName          string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(api eonnext.API, db storage.Database, p *poller.Poller) *Server {
	srv := &Server{
		api:        api,
		storage:    db,
		poller:     p,
		serverName: "eonbridge",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	updateSpecificEmail := lflag.String("update-specific-email", "", "email to validate for /api/update")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the API")
	oidcAudience := lflag.String("oidc-audience", "", "Google audience/client ID to validate id tokens against")
	updateSpecificAudience := lflag.String("update-specific-audience", "", "Google-specific audience to validate for /api/update")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.updateSpecificEmail = *updateSpecificEmail
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		var googleProvider *oidc.Provider
		if *oidcAudience != "" {
			var err error
			googleProvider, err = oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers = map[string]tokenVerifier{
				"google": oidcTokenVerifier(googleProvider.Verifier(&oidc.Config{ClientID: *oidcAudience})),
			}
			srv.oidcAudiences = map[string]string{
				"google": *oidcAudience,
			}
		}
		if *updateSpecificAudience != "" {
			if googleProvider == nil {
				var err error
				googleProvider, err = oidc.NewProvider(context.Background(), "https://accounts.google.com")
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
					os.Exit(1)
				}
			}
			if srv.oidcVerifiers == nil {
				srv.oidcVerifiers = map[string]tokenVerifier{}
				srv.oidcAudiences = map[string]string{}
			}
			srv.oidcVerifiers["google_update_specific"] = oidcTokenVerifier(googleProvider.Verifier(&oidc.Config{ClientID: *updateSpecificAudience}))
			srv.oidcAudiences["google_update_specific"] = *updateSpecificAudience
		}

		if len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		srv.encryptionKey = *encryptionKey

		if len(srv.oidcAudiences) == 0 && len(srv.adminEmails) == 0 {
			log.Ctx(context.Background()).Warn("no oidc audience or admin emails configured, API authentication is disabled")
			srv.bypassAuth = true
		}
	})

	return srv
}

// EncryptionKey returns the configured credentials encryption key so main can
// hand it to the poller. Only valid after lflag.Configure has run.
func (s *Server) EncryptionKey() string {
	return s.encryptionKey
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/update", s.handleUpdate)
	apiMux.HandleFunc("GET /api/meters", s.handleMeters)
	apiMux.HandleFunc("GET /api/history/consumption", s.handleHistoryConsumption)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Strict-Transport-Security: max-age=2 years
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
