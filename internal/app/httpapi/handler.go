// Package httpapi exposes the integration coordinator over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	app "github.com/apexmfg/qmib-bridge/internal/app"
	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/metrics"
	"github.com/apexmfg/qmib-bridge/internal/app/services/integration"
	"github.com/apexmfg/qmib-bridge/internal/app/storage"
	"github.com/apexmfg/qmib-bridge/internal/qmib"
)

// handler bundles HTTP endpoints for the integration core.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns a router exposing the coordinator's operations plus the
// read-only batch queries, health, and metrics. Mutating requests are recorded
// in an in-memory audit trail, optionally mirrored to a JSONL file at
// auditPath.
func NewHandler(application *app.Application, auditPath string) http.Handler {
	sink, err := newFileAuditSink(auditPath)
	if err != nil {
		// The trail still works in memory; the file mirror is best effort.
		sink = nil
	}
	h := &handler{app: application, audit: newAuditLog(0, sink)}

	r := mux.NewRouter()
	r.Use(h.audit.middleware)
	r.HandleFunc("/batches", h.createBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches", h.listBatches).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", h.getBatch).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}/start", h.startBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id}/complete", h.completeBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id}/acks", h.listAcks).Methods(http.MethodGet)
	r.HandleFunc("/equipment/{id}", h.getEquipment).Methods(http.MethodGet)
	r.HandleFunc("/equipment/{id}/state", h.getEquipmentState).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}/acknowledge", h.acknowledgeEvent).Methods(http.MethodPost)
	r.HandleFunc("/reconcile", h.reconcile).Methods(http.MethodPost)
	r.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (h *handler) createBatch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TemplateID string `json:"templateId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.TemplateID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("templateId is required"))
		return
	}

	rec, err := h.app.Integration.CreateFromTemplate(r.Context(), payload.TemplateID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse(rec))
}

func (h *handler) listBatches(w http.ResponseWriter, r *http.Request) {
	recs, err := h.app.Integration.ListBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		out = append(out, batchResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getBatch(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Integration.GetBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(rec))
}

func (h *handler) startBatch(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Integration.StartBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(rec))
}

func (h *handler) completeBatch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Integration.CompleteAndPublish(r.Context(), mux.Vars(r)["id"], payload.Data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(rec))
}

func (h *handler) listAcks(w http.ResponseWriter, r *http.Request) {
	acks, err := h.app.Integration.ListEventAcks(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, acks)
}

func (h *handler) getEquipment(w http.ResponseWriter, r *http.Request) {
	eq, err := h.app.Integration.GetEquipment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

func (h *handler) getEquipmentState(w http.ResponseWriter, r *http.Request) {
	state, err := h.app.Integration.GetEquipmentState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) acknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BatchID string `json:"batchId"`
		AckedBy string `json:"acknowledgedBy"`
		Comment string `json:"comment"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ack, err := h.app.Integration.ProcessInboundEvent(r.Context(), mux.Vars(r)["id"], payload.BatchID, payload.AckedBy, payload.Comment)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Integration.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) listAudit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.audit.list())
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers ---------------------------------------------------------------------

func batchResponse(rec batch.Record) map[string]interface{} {
	resp := map[string]interface{}{
		"localId":    rec.LocalID,
		"templateId": rec.TemplateID,
		"state":      rec.State,
		"version":    rec.Version,
		"data":       rec.Payload,
		"createdAt":  rec.CreatedAt,
	}
	if rec.RemoteID != "" {
		resp["remoteId"] = rec.RemoteID
	}
	if rec.FailureReason != "" {
		resp["failureReason"] = rec.FailureReason
	}
	if !rec.StartedAt.IsZero() {
		resp["startedAt"] = rec.StartedAt
	}
	if !rec.CompletedAt.IsZero() {
		resp["completedAt"] = rec.CompletedAt
	}
	if !rec.PublishedAt.IsZero() {
		resp["publishedAt"] = rec.PublishedAt
	}
	if !rec.AcknowledgedAt.IsZero() {
		resp["acknowledgedAt"] = rec.AcknowledgedAt
	}
	return resp
}

// writeDomainError maps classified core errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, qmib.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, integration.ErrBatchBusy):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, batch.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, integration.ErrReconciliationConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, qmib.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, qmib.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, qmib.ErrUnauthorized), errors.Is(err, qmib.ErrPermanent):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
