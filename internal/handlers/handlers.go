package handlers

import (
	"context"
	"html/template"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"portfolio/internal/auth"
	"portfolio/internal/feed"
	"portfolio/internal/models"
	"portfolio/internal/storage"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// UserContextKey is the context key for the authenticated user.
	UserContextKey contextKey = "user"
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "session"
	// SessionDuration is how long sessions last (30 days).
	SessionDuration = 30 * 24 * time.Hour
	// HeartbeatInterval is how often the notification stream writes a
	// comment frame to defeat idle-connection timeouts.
	HeartbeatInterval = 25 * time.Second
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db           *storage.DB
	templateDir  string
	secureCookie bool
	apiKey       string

	// Overridable in tests.
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// NewHandlers creates a new Handlers instance. apiKey authenticates the
// service-to-service create endpoint; when empty that endpoint rejects
// every request.
func NewHandlers(db *storage.DB, templateDir string, secureCookie bool, apiKey string) *Handlers {
	return &Handlers{
		db:                db,
		templateDir:       templateDir,
		secureCookie:      secureCookie,
		apiKey:            apiKey,
		pollInterval:      feed.DefaultInterval,
		heartbeatInterval: HeartbeatInterval,
	}
}

// GetUserFromContext retrieves the authenticated user from request context.
func GetUserFromContext(r *http.Request) *models.User {
	if user, ok := r.Context().Value(UserContextKey).(*models.User); ok {
		return user
	}
	return nil
}

// authenticate resolves the session cookie to a user, renewing the session
// when it is past the halfway point of its lifetime. Returns nil if the
// request carries no valid session.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) *models.User {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	sessionInfo, err := h.db.ValidateSessionWithInfo(cookie.Value)
	if err != nil {
		return nil
	}

	// Rolling session: renew if past halfway point. This keeps active
	// users logged in while still expiring inactive sessions.
	now := time.Now()
	if sessionInfo.ExpiresAt.Sub(now) < SessionDuration/2 {
		newExpiresAt := now.Add(SessionDuration)
		if err := h.db.RenewSession(cookie.Value, newExpiresAt); err == nil {
			h.setSessionCookie(w, cookie.Value)
		}
		// If renewal fails, just continue with the current session.
	}

	return sessionInfo.User
}

// AuthMiddleware wraps page handlers to require authentication, redirecting
// anonymous visitors to the login page.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := h.authenticate(w, r)
		if user == nil {
			h.clearSessionCookie(w)
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession wraps API handlers to require authentication, answering
// anonymous callers with a JSON 401.
func (h *Handlers) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := h.authenticate(w, r)
		if user == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoginViewModel holds data for the login page.
type LoginViewModel struct {
	Error string
}

// LoginForm renders the login page.
func (h *Handlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	// If already logged in, go straight to the dashboard
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if _, err := h.db.ValidateSession(cookie.Value); err == nil {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
	}
	h.render(w, "login.html", LoginViewModel{})
}

// Login handles the login form submission.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, "login.html", LoginViewModel{Error: "Invalid form submission"})
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	if username == "" || password == "" {
		h.render(w, "login.html", LoginViewModel{Error: "Username and password are required"})
		return
	}

	// The same message covers unknown usernames and wrong passwords so the
	// response never reveals whether an account exists.
	user, err := h.db.GetUserByUsername(username)
	if err != nil || !auth.CheckPassword(password, user.PasswordHash) {
		h.render(w, "login.html", LoginViewModel{Error: "Invalid username or password"})
		return
	}

	token, err := auth.GenerateSessionToken()
	if err != nil {
		log.Printf("Failed to generate session token: %v", err)
		h.render(w, "login.html", LoginViewModel{Error: "An error occurred. Please try again."})
		return
	}

	expiresAt := time.Now().Add(SessionDuration)
	if err := h.db.CreateSession(token, user.ID, expiresAt); err != nil {
		log.Printf("Failed to create session: %v", err)
		h.render(w, "login.html", LoginViewModel{Error: "An error occurred. Please try again."})
		return
	}

	h.setSessionCookie(w, token)
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// Logout handles user sign-out.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if err := h.db.DeleteSession(cookie.Value); err != nil {
			log.Printf("Failed to delete session: %v", err)
		}
	}
	h.clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(SessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Home renders the portfolio landing page.
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, "home.html", nil)
}

// DashboardViewModel holds data for the dashboard page.
type DashboardViewModel struct {
	Username string
	IsAdmin  bool
}

// Dashboard renders the expense dashboard shell. The expense grid itself is
// populated client-side via /api/expenses and kept fresh by the stream.
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)
	h.render(w, "dashboard.html", DashboardViewModel{
		Username: user.Username,
		IsAdmin:  user.IsAdmin(),
	})
}

func (h *Handlers) render(w http.ResponseWriter, viewName string, data any) {
	tmpl, err := template.ParseFiles(filepath.Join(h.templateDir, "base.html"), filepath.Join(h.templateDir, viewName))
	if err != nil {
		log.Printf("Template error: %v", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Template execution error: %v", err)
	}
}
