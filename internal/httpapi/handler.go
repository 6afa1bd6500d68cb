package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/service"
)

// QueueService is the set of walk-in operations exposed over HTTP.
type QueueService interface {
	JoinQueue(ctx context.Context, req service.JoinRequest) (service.JoinResult, error)
	CallNext(ctx context.Context, queueID, staffID string) (queue.Entry, error)
	CheckIn(ctx context.Context, entryID string) (queue.Entry, error)
	Complete(ctx context.Context, entryID string, req service.CompleteRequest) (queue.Entry, error)
	Cancel(ctx context.Context, entryID string) (queue.Entry, error)
	NoShow(ctx context.Context, entryID string) (queue.Entry, error)
	GetStatus(ctx context.Context, entryID string) (service.StatusResult, error)
	CreateQueue(ctx context.Context, req service.CreateQueueRequest) (queue.Snapshot, error)
	SetActive(ctx context.Context, queueID string, req service.SetActiveRequest) (queue.Snapshot, error)
	GetQueue(ctx context.Context, queueID string) (queue.Snapshot, error)
}

type Handler struct {
	svc    QueueService
	logger *zap.Logger
}

type joinRequest struct {
	CustomerName  string `json:"customer_name"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	StaffID       string `json:"staff_id"`
	ServiceTypeID string `json:"service_type_id"`
	Notes         string `json:"notes"`
}

type callNextRequest struct {
	StaffID string `json:"staff_id"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(svc QueueService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/queues", h.handleCreateQueue)
	mux.HandleFunc(queuesPrefix, h.handleQueue)
	mux.HandleFunc(locationsPrefix, h.handleLocation)
	mux.HandleFunc(entriesPrefix, h.handleEntry)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	var req service.CreateQueueRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.LocationID = strings.TrimSpace(req.LocationID)
	snap, err := h.svc.CreateQueue(r.Context(), req)
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, newQueueResponse(snap))
}

// handleQueue serves /api/queues/{id} and /api/queues/{id}/actions/{action}.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	queueID, action, ok := splitResourcePath(r.URL.Path, queuesPrefix)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(queueID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap, err := h.svc.GetQueue(r.Context(), queueID)
		if err != nil {
			h.fail(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, newQueueResponse(snap))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "join":
		h.join(w, r, requestID, service.JoinRequest{QueueID: queueID})
	case "call-next":
		var req callNextRequest
		if err := decodeRequest(r, &req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		entry, err := h.svc.CallNext(r.Context(), queueID, strings.TrimSpace(req.StaffID))
		if err != nil {
			h.fail(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, newEntryResponse(entry))
	case "activate", "deactivate":
		var req actorRequest
		if err := decodeRequest(r, &req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		snap, err := h.svc.SetActive(r.Context(), queueID, service.SetActiveRequest{
			Active: action == "activate",
			Actor:  strings.TrimSpace(req.Actor),
		})
		if err != nil {
			h.fail(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, newQueueResponse(snap))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleLocation serves /api/locations/{id}/join.
func (h *Handler) handleLocation(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	locationID, action, ok := splitResourcePath(r.URL.Path, locationsPrefix)
	if !ok || action != "join" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(locationID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "location_id must be a UUID")
		return
	}
	h.join(w, r, requestID, service.JoinRequest{LocationID: locationID})
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request, requestID string, target service.JoinRequest) {
	var req joinRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	target.CustomerName = req.CustomerName
	target.Phone = req.Phone
	target.Email = req.Email
	target.StaffID = strings.TrimSpace(req.StaffID)
	target.ServiceTypeID = strings.TrimSpace(req.ServiceTypeID)
	target.Notes = req.Notes

	result, err := h.svc.JoinQueue(r.Context(), target)
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJoinResponse(result))
}

// handleEntry serves /api/entries/{id} and /api/entries/{id}/actions/{action}.
func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	entryID, action, ok := splitResourcePath(r.URL.Path, entriesPrefix)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(entryID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "entry_id must be a UUID")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		status, err := h.svc.GetStatus(r.Context(), entryID)
		if err != nil {
			h.fail(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, newStatusResponse(status))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var (
		entry queue.Entry
		err   error
	)
	switch action {
	case "check-in":
		entry, err = h.svc.CheckIn(r.Context(), entryID)
	case "complete":
		var req service.CompleteRequest
		if decodeErr := decodeRequest(r, &req); decodeErr != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		entry, err = h.svc.Complete(r.Context(), entryID, req)
	case "cancel":
		entry, err = h.svc.Cancel(r.Context(), entryID)
	case "no-show":
		entry, err = h.svc.NoShow(r.Context(), entryID)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryResponse(entry))
}

func (h *Handler) fail(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.String("code", code), zap.Error(err))
	}
	writeError(w, requestID, status, code, msg)
}

const (
	queuesPrefix    = "/api/queues/"
	locationsPrefix = "/api/locations/"
	entriesPrefix   = "/api/entries/"
)

var (
	queueActions = map[string]bool{"join": true, "call-next": true, "activate": true, "deactivate": true}
	entryActions = map[string]bool{"check-in": true, "complete": true, "cancel": true, "no-show": true}
)

// splitResourcePath turns "{prefix}{id}" or "{prefix}{id}/actions/{action}"
// into its id and action. Locations only take "{prefix}{id}/join".
func splitResourcePath(path, prefix string) (string, string, bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if prefix == locationsPrefix {
		if len(parts) == 2 && parts[0] != "" && parts[1] == "join" {
			return parts[0], "join", true
		}
		return "", "", false
	}
	switch {
	case len(parts) == 1 && parts[0] != "":
		return parts[0], "", true
	case len(parts) == 3 && parts[1] == "actions" && parts[2] != "":
		return parts[0], parts[2], true
	default:
		return "", "", false
	}
}

// routeTemplate maps a request path onto the fixed set of routes served by
// Routes, or "unmatched".
func routeTemplate(path string) string {
	switch path {
	case "/healthz", "/metrics", "/api/queues":
		return path
	}
	for _, route := range []struct {
		prefix  string
		actions map[string]bool
	}{
		{queuesPrefix, queueActions},
		{locationsPrefix, map[string]bool{"join": true}},
		{entriesPrefix, entryActions},
	} {
		if !strings.HasPrefix(path, route.prefix) {
			continue
		}
		_, action, ok := splitResourcePath(path, route.prefix)
		switch {
		case !ok:
			return "unmatched"
		case action == "":
			return route.prefix + "{id}"
		case route.prefix == locationsPrefix:
			return route.prefix + "{id}/join"
		case route.actions[action]:
			return route.prefix + "{id}/actions/" + action
		default:
			return "unmatched"
		}
	}
	return "unmatched"
}

// decodeRequest decodes a JSON body into dst. An empty body leaves dst as is.
func decodeRequest(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
	switch svcErr.Kind {
	case service.KindValidation:
		return http.StatusBadRequest, svcErr.Code, svcErr.Error()
	case service.KindBusiness:
		switch svcErr.Code {
		case "entry_not_found", "queue_not_found", "staff_not_found", "customer_not_found":
			return http.StatusNotFound, svcErr.Code, svcErr.Error()
		case "invalid_duration", "invalid_capacity":
			return http.StatusUnprocessableEntity, svcErr.Code, svcErr.Error()
		default:
			return http.StatusConflict, svcErr.Code, svcErr.Error()
		}
	case service.KindConcurrencyExhausted:
		return http.StatusServiceUnavailable, svcErr.Code, "queue is busy, please retry"
	case service.KindCanceled:
		return statusClientClosedRequest, svcErr.Code, "request canceled"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// statusClientClosedRequest is the non-standard status used when the caller
// gave up before the operation finished.
const statusClientClosedRequest = 499

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type queueResponse struct {
	QueueID         string          `json:"queue_id"`
	LocationID      string          `json:"location_id"`
	Date            string          `json:"date"`
	Active          bool            `json:"active"`
	MaxSize         int             `json:"max_size"`
	LateCapMinutes  int             `json:"late_cap_minutes"`
	ActiveChangedBy string          `json:"active_changed_by,omitempty"`
	ActiveChangedAt *time.Time      `json:"active_changed_at,omitempty"`
	Version         int64           `json:"version"`
	Entries         []entryResponse `json:"entries"`
}

type entryResponse struct {
	EntryID        string       `json:"entry_id"`
	QueueID        string       `json:"queue_id"`
	CustomerID     string       `json:"customer_id"`
	CustomerName   string       `json:"customer_name"`
	Position       int          `json:"position"`
	Status         queue.Status `json:"status"`
	StaffID        *string      `json:"staff_id,omitempty"`
	ServiceTypeID  *string      `json:"service_type_id,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	EnteredAt      time.Time    `json:"entered_at"`
	CalledAt       *time.Time   `json:"called_at,omitempty"`
	CheckedInAt    *time.Time   `json:"checked_in_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CancelledAt    *time.Time   `json:"cancelled_at,omitempty"`
	ServiceMinutes *int         `json:"service_minutes,omitempty"`
}

// waitEstimate renders queue.UnknownWait as a null estimate.
type waitEstimate struct {
	EstimatedWaitMinutes *int `json:"estimated_wait_minutes"`
	WaitTimeKnown        bool `json:"wait_time_known"`
}

type joinResponse struct {
	EntryID    string       `json:"entry_id"`
	QueueID    string       `json:"queue_id"`
	CustomerID string       `json:"customer_id"`
	Position   int          `json:"position"`
	Status     queue.Status `json:"status"`
	waitEstimate
}

type statusResponse struct {
	EntryID  string       `json:"entry_id"`
	QueueID  string       `json:"queue_id"`
	Position int          `json:"position"`
	Status   queue.Status `json:"status"`
	waitEstimate
}

func newWaitEstimate(minutes int) waitEstimate {
	if minutes == queue.UnknownWait {
		return waitEstimate{}
	}
	return waitEstimate{EstimatedWaitMinutes: &minutes, WaitTimeKnown: true}
}

func newJoinResponse(result service.JoinResult) joinResponse {
	return joinResponse{
		EntryID:      result.EntryID,
		QueueID:      result.QueueID,
		CustomerID:   result.CustomerID,
		Position:     result.Position,
		Status:       result.Status,
		waitEstimate: newWaitEstimate(result.EstimatedWaitMinutes),
	}
}

func newStatusResponse(result service.StatusResult) statusResponse {
	return statusResponse{
		EntryID:      result.EntryID,
		QueueID:      result.QueueID,
		Position:     result.Position,
		Status:       result.Status,
		waitEstimate: newWaitEstimate(result.EstimatedWaitMinutes),
	}
}

func newEntryResponse(entry queue.Entry) entryResponse {
	return entryResponse{
		EntryID:        entry.EntryID,
		QueueID:        entry.QueueID,
		CustomerID:     entry.CustomerID,
		CustomerName:   entry.CustomerName,
		Position:       entry.Position,
		Status:         entry.Status,
		StaffID:        entry.StaffID,
		ServiceTypeID:  entry.ServiceTypeID,
		Notes:          entry.Notes,
		EnteredAt:      entry.EnteredAt,
		CalledAt:       entry.CalledAt,
		CheckedInAt:    entry.CheckedInAt,
		CompletedAt:    entry.CompletedAt,
		CancelledAt:    entry.CancelledAt,
		ServiceMinutes: entry.ServiceMinutes,
	}
}

func newQueueResponse(snap queue.Snapshot) queueResponse {
	entries := make([]entryResponse, 0, len(snap.Entries))
	for _, entry := range snap.Entries {
		entries = append(entries, newEntryResponse(entry))
	}
	return queueResponse{
		QueueID:         snap.QueueID,
		LocationID:      snap.LocationID,
		Date:            snap.Date.Format("2006-01-02"),
		Active:          snap.Active,
		MaxSize:         snap.MaxSize,
		LateCapMinutes:  int(snap.LateClientCap / time.Minute),
		ActiveChangedBy: snap.ActiveChangedBy,
		ActiveChangedAt: snap.ActiveChangedAt,
		Version:         snap.Version,
		Entries:         entries,
	}
}
