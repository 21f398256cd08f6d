package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portfolio/internal/auth"
	"portfolio/internal/handlers"
	"portfolio/internal/models"
	"portfolio/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	port := envDefault("PORT", "8080")
	dbPath := envDefault("DB_PATH", "expenses.db")
	templateDir := envDefault("TEMPLATE_DIR", "web/templates")
	staticDir := envDefault("STATIC_DIR", "web/static")
	secureCookie := os.Getenv("SECURE_COOKIE") == "true"
	apiKey := os.Getenv("API_SECRET_KEY")

	db, err := storage.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(db); err != nil {
		return err
	}

	if apiKey == "" {
		log.Println("API_SECRET_KEY not set; /api/expenses/external is disabled")
	}

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go cleanSessionsLoop(cleanupCtx, db)

	h := handlers.NewHandlers(db, templateDir, secureCookie, apiKey)
	mux := setupRouter(h, staticDir)

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
		// No WriteTimeout: the notification stream is long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on :%s", port)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-stop:
	}

	log.Println("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// setupRouter builds the application routes.
func setupRouter(h *handlers.Handlers, staticDir string) *http.ServeMux {
	mux := http.NewServeMux()

	// Portfolio pages
	mux.HandleFunc("GET /{$}", h.Home)
	mux.HandleFunc("GET /login", h.LoginForm)
	mux.HandleFunc("POST /login", h.Login)
	mux.HandleFunc("POST /logout", h.Logout)
	mux.Handle("GET /dashboard", h.AuthMiddleware(http.HandlerFunc(h.Dashboard)))
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))

	// Dashboard API
	mux.Handle("GET /api/expenses", h.RequireSession(http.HandlerFunc(h.ListExpensesAPI)))
	mux.Handle("POST /api/expenses", h.RequireSession(http.HandlerFunc(h.CreateExpenseAPI)))
	mux.Handle("DELETE /api/expenses", h.RequireSession(http.HandlerFunc(h.DeleteExpenseAPI)))
	mux.Handle("GET /api/expenses/stream", h.RequireSession(http.HandlerFunc(h.StreamExpenses)))
	mux.HandleFunc("POST /api/expenses/external", h.CreateExpenseExternal)

	return mux
}

// seedAdmin creates the bootstrap admin account from ADMIN_USER and
// ADMIN_PASSWORD when the user table is empty.
func seedAdmin(db *storage.DB) error {
	username := os.Getenv("ADMIN_USER")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		return nil
	}

	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user, err := db.CreateUser(username, hash, models.RoleAdmin)
	if err != nil {
		return err
	}
	log.Printf("Seeded admin user %s (id %d)", user.Username, user.ID)
	return nil
}

// cleanSessionsLoop prunes expired sessions hourly.
func cleanSessionsLoop(ctx context.Context, db *storage.DB) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.CleanExpiredSessions(); err != nil {
				log.Printf("Failed to clean expired sessions: %v", err)
			}
		}
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
