package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"

	"portfolio/internal/models"
	"portfolio/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// expenseBodyShape itemizes the expected create body, returned verbatim on
// validation failures.
var expenseBodyShape = map[string]string{
	"date":          "string (YYYY-MM-DD)",
	"category":      "string",
	"description":   "string",
	"amount":        "number (>= 0)",
	"paymentMethod": "string",
	"status":        `"Paid" | "Pending"`,
}

func writeInvalidBody(w http.ResponseWriter, shape map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":    "Invalid request body",
		"required": shape,
	})
}

// parseExpenseBody type-checks the decoded JSON body field by field. Owner
// and id never come from the body on the session endpoint; callers stamp
// them.
func parseExpenseBody(raw map[string]any) (*models.Expense, bool) {
	date, okDate := raw["date"].(string)
	category, okCategory := raw["category"].(string)
	description, okDescription := raw["description"].(string)
	amount, okAmount := raw["amount"].(float64)
	paymentMethod, okPayment := raw["paymentMethod"].(string)
	status, okStatus := raw["status"].(string)

	if !okDate || !okCategory || !okDescription || !okAmount || !okPayment || !okStatus {
		return nil, false
	}
	if amount < 0 || !models.ValidStatus(status) {
		return nil, false
	}

	return &models.Expense{
		Date:          date,
		Category:      category,
		Description:   description,
		Amount:        amount,
		PaymentMethod: paymentMethod,
		Status:        status,
	}, true
}

// ListExpensesAPI returns the expenses visible to the caller, ordered by id
// ascending. Admins see all records; other users see only their own.
func (h *Handlers) ListExpensesAPI(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	expenses, err := h.db.ListExpenses(user.ID, user.Role)
	if err != nil {
		log.Printf("Failed to read expenses: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load expenses")
		return
	}
	if expenses == nil {
		expenses = []models.Expense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

// CreateExpenseAPI creates an expense owned by the caller. Any id or userId
// in the body is ignored: the server always stamps the authenticated user.
func (h *Handlers) CreateExpenseAPI(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	expense, ok := parseExpenseBody(raw)
	if !ok {
		writeInvalidBody(w, expenseBodyShape)
		return
	}

	created, err := h.db.CreateExpense(user.ID, expense)
	if err != nil {
		log.Printf("Failed to create expense: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create expense")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeleteExpenseAPI deletes an expense by the id in the request body. The
// record must exist and the caller must be its owner or an admin.
func (h *Handlers) DeleteExpenseAPI(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	var body struct {
		ID *int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == nil {
		writeInvalidBody(w, map[string]string{"id": "number"})
		return
	}

	// Fetch the record to check ownership before deleting.
	existing, err := h.db.GetExpense(*body.ID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Expense not found")
		return
	}
	if err != nil {
		log.Printf("Failed to delete expense: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete expense")
		return
	}

	if !user.IsAdmin() && existing.UserID != user.ID {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	if err := h.db.DeleteExpense(*body.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Expense not found")
			return
		}
		log.Printf("Failed to delete expense: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete expense")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// externalBodyShape is expenseBodyShape plus the owning user, which a
// service-to-service caller must supply since it has no session.
var externalBodyShape = map[string]string{
	"userId":        "integer",
	"date":          "string (YYYY-MM-DD)",
	"category":      "string",
	"description":   "string",
	"amount":        "number (>= 0)",
	"paymentMethod": "string",
	"status":        `"Paid" | "Pending"`,
}

// CreateExpenseExternal creates an expense on behalf of another service,
// authenticated by the x-api-key header instead of a session.
func (h *Handlers) CreateExpenseExternal(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("x-api-key")
	if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	// JSON numbers decode as float64; a fractional userId would silently
	// truncate to a different user, so it is rejected outright.
	userID, okUser := raw["userId"].(float64)
	expense, okBody := parseExpenseBody(raw)
	if !okUser || userID != math.Trunc(userID) || !okBody {
		writeInvalidBody(w, externalBodyShape)
		return
	}

	created, err := h.db.CreateExpense(int64(userID), expense)
	if err != nil {
		log.Printf("Failed to create expense: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create expense")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
