package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qrmenu/call-service/internal/ratelimit"
	"qrmenu/call-service/internal/store"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

type Handler struct {
	store        store.CallStore
	limiter      ratelimit.Limiter
	historyLimit int
	menuBaseURL  string
}

type Options struct {
	Limiter      ratelimit.Limiter
	HistoryLimit int
	MenuBaseURL  string
}

func NewHandler(st store.CallStore, options Options) *Handler {
	limiter := options.Limiter
	if limiter == nil {
		limiter = ratelimit.NewSlidingWindow(10, time.Hour)
	}
	historyLimit := options.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Handler{
		store:        st,
		limiter:      limiter,
		historyLimit: historyLimit,
		menuBaseURL:  strings.TrimRight(options.MenuBaseURL, "/"),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/calls", h.handleCalls)
	mux.HandleFunc("/api/calls/stats", h.handleCallStats)
	mux.HandleFunc("/api/calls/", h.handleCallByID)
	mux.HandleFunc("/api/tables", h.handleTables)
	mux.HandleFunc("/api/tables/", h.handleTableQR)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createCallRequest struct {
	Action   string `json:"action"`
	TableID  string `json:"table_id"`
	QRCode   string `json:"qr_code"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

func (h *Handler) handleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateCall(w, r)
	case http.MethodGet:
		h.handleListCalls(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Action = strings.TrimSpace(req.Action)
	req.TableID = strings.TrimSpace(req.TableID)
	req.QRCode = strings.TrimSpace(req.QRCode)
	req.Priority = strings.TrimSpace(req.Priority)

	if req.Action != "" && req.Action != "create" {
		writeError(w, http.StatusBadRequest, "invalid_request", "unsupported action")
		return
	}
	if req.TableID == "" && req.QRCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "table_id or qr_code is required")
		return
	}
	if req.TableID != "" && !isValidUUID(req.TableID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "table_id must be a UUID")
		return
	}

	allowed, err := h.limiter.Allow(r.Context(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many calls, please wait before trying again")
		return
	}

	call, err := h.store.CreateCall(r.Context(), store.CreateCallInput{
		TableID:   req.TableID,
		QRCode:    req.QRCode,
		Message:   req.Message,
		Priority:  req.Priority,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeData(w, http.StatusCreated, call)
}

func (h *Handler) handleListCalls(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantScope(w, r)
	if !ok {
		return
	}

	action := strings.TrimSpace(r.URL.Query().Get("action"))
	if action == "" {
		action = "pending"
	}

	switch action {
	case "pending":
		calls, err := h.store.ListPendingCalls(r.Context(), restaurantID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeData(w, http.StatusOK, calls)
	case "history":
		limit := h.historyLimit
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		calls, err := h.store.ListCallHistory(r.Context(), restaurantID, limit)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeData(w, http.StatusOK, calls)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "action must be pending or history")
	}
}

func (h *Handler) handleCallStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	restaurantID, ok := restaurantScope(w, r)
	if !ok {
		return
	}

	stats, err := h.store.CallStats(r.Context(), restaurantID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeData(w, http.StatusOK, stats)
}

type updateStatusRequest struct {
	Action string `json:"action"`
	Status string `json:"status"`
}

func (h *Handler) handleCallByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/calls/"), "/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetCall(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPost:
		h.handleUpdateStatus(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetCall(w http.ResponseWriter, r *http.Request, callID string) {
	if !isValidUUID(callID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "call id must be a UUID")
		return
	}
	restaurantID, ok := restaurantScope(w, r)
	if !ok {
		return
	}

	call, err := h.store.GetCall(r.Context(), restaurantID, callID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeData(w, http.StatusOK, call)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request, callID string) {
	if !isValidUUID(callID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "call id must be a UUID")
		return
	}

	var req updateStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Action = strings.TrimSpace(req.Action)
	req.Status = strings.TrimSpace(req.Status)
	if req.Action != "" && req.Action != "update_status" {
		writeError(w, http.StatusBadRequest, "invalid_request", "unsupported action")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "status is required")
		return
	}

	call, err := h.store.UpdateCallStatus(r.Context(), store.UpdateStatusInput{
		RestaurantID: restaurantIDFromContext(r.Context()),
		CallID:       callID,
		Status:       req.Status,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeData(w, http.StatusOK, call)
}

func (h *Handler) handleTables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	restaurantID, ok := restaurantScope(w, r)
	if !ok {
		return
	}

	tables, err := h.store.ListTables(r.Context(), restaurantID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeData(w, http.StatusOK, tables)
}

func (h *Handler) handleTableQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tables/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "qr" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tableID := parts[0]
	if !isValidUUID(tableID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "table id must be a UUID")
		return
	}
	restaurantID, ok := restaurantScope(w, r)
	if !ok {
		return
	}

	table, err := h.store.GetTable(r.Context(), restaurantID, tableID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	target := table.QRCode
	if h.menuBaseURL != "" {
		target = fmt.Sprintf("%s/menu?qr=%s", h.menuBaseURL, table.QRCode)
	}
	png, err := qrcode.Encode(target, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	restaurantID, ok := restaurantScope(w, r)
	if !ok {
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), restaurantID, after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeData(w, http.StatusOK, events)
}

func restaurantScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	restaurantID := strings.TrimSpace(r.URL.Query().Get("restaurant_id"))
	if restaurantID == "" {
		restaurantID = restaurantIDFromContext(r.Context())
	}
	if restaurantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "restaurant_id is required")
		return "", false
	}
	if !isValidUUID(restaurantID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "restaurant_id must be a UUID")
		return "", false
	}
	if !requireRestaurant(w, r, restaurantID) {
		return "", false
	}
	return restaurantID, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTableNotFound):
		return http.StatusNotFound, "table_not_found", "table not found"
	case errors.Is(err, store.ErrCallNotFound):
		return http.StatusNotFound, "call_not_found", "call not found"
	case errors.Is(err, store.ErrMessageTooLong):
		return http.StatusBadRequest, "message_too_long", "message exceeds 500 characters"
	case errors.Is(err, store.ErrDuplicateCall):
		return http.StatusConflict, "duplicate_call", "a call for this table is already waiting"
	case errors.Is(err, store.ErrInvalidStatus):
		return http.StatusBadRequest, "invalid_status", "status must be pending, acknowledged, completed, or cancelled"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "call status does not allow this transition"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiResponse{Success: false, Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func restaurantIDFromContext(ctx context.Context) string {
	claims, ok := claimsFromContext(ctx)
	if !ok {
		return ""
	}
	return claims.RestaurantID
}
