// Package server provides the HTTP server and API handlers for the gateway:
// event ingestion for agents and the query/command surface consumed by the
// mobile app.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/config"
	"github.com/bastion-xolot/gateway/internal/enforce"
	"github.com/bastion-xolot/gateway/internal/pipeline"
	"github.com/bastion-xolot/gateway/internal/registry"
	"github.com/bastion-xolot/gateway/internal/store"
	"github.com/bastion-xolot/gateway/internal/types"
	"github.com/bastion-xolot/gateway/internal/version"
)

// Server is the HTTP server for the gateway API.
type Server struct {
	cfg        config.GatewayConfig
	pipe       *pipeline.Pipeline
	machine    *enforce.Machine
	store      *store.Store
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates the HTTP server over the given pipeline, enforcement machine,
// and store.
func New(cfg config.GatewayConfig, pipe *pipeline.Pipeline, machine *enforce.Machine, st *store.Store, log *logrus.Logger) *Server {
	s := &Server{cfg: cfg, pipe: pipe, machine: machine, store: st, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/events", s.handleIngestEvent)
	mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/v1/devices/{mac}", s.handleGetDevice)
	mux.HandleFunc("POST /api/v1/devices/{mac}/label", s.handleLabelDevice)
	mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", s.handleAlertStatus(types.AlertAcknowledged))
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleAlertStatus(types.AlertResolved))
	mux.HandleFunc("GET /api/v1/enforcement", s.handleListEnforcement)
	mux.HandleFunc("POST /api/v1/enforcement", s.handleApplyEnforcement)
	mux.HandleFunc("POST /api/v1/enforcement/{id}/rollback", s.handleRollback)

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server closes.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Gateway listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var raw types.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ev, err := s.pipe.Ingest(r.Context(), raw)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	s.log.WithError(err).Error("Event ingestion failed")
	writeError(w, http.StatusInternalServerError, "event not processed, retry")
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.View(r.Context()).ListDevices()
	if err != nil {
		s.internalError(w, err)
		return
	}
	if devices == nil {
		devices = []*types.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := types.NormalizeMAC(r.PathValue("mac"))
	dev, err := s.store.View(r.Context()).GetDevice(mac)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleLabelDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	mac := r.PathValue("mac")
	err := s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		return registry.SetLabel(tx, mac, body.Label)
	})
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusNotFound, verr.Error())
			return
		}
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := types.AlertStatus(r.URL.Query().Get("status"))
	if status != "" && !types.ValidAlertStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	device := r.URL.Query().Get("device")
	if device != "" {
		device = types.NormalizeMAC(device)
	}
	alerts, err := s.store.View(r.Context()).ListAlerts(device, status, 200)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*types.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAlertStatus(status types.AlertStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := s.store.WithTx(r.Context(), func(tx *store.Tx) error {
			alert, err := tx.GetAlert(id)
			if err != nil {
				return err
			}
			if alert == nil {
				return &types.ValidationError{Field: "id", Reason: "unknown alert"}
			}
			return tx.SetAlertStatus(id, status, time.Now().UTC())
		})
		if err != nil {
			var verr *types.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusNotFound, verr.Error())
				return
			}
			s.internalError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListEnforcement(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device != "" {
		device = types.NormalizeMAC(device)
	}
	records, err := s.store.View(r.Context()).ListEnforcement(device, 200)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if records == nil {
		records = []*types.EnforcementRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleApplyEnforcement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Action   string `json:"action"`
		Reason   string `json:"reason"`
		AlertID  string `json:"alert_id"`
		Target   string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rec, err := s.machine.Apply(r.Context(), enforce.Request{
		DeviceID:  body.DeviceID,
		Action:    types.EnforcementAction(body.Action),
		Reason:    body.Reason,
		Initiator: types.InitiatorUser,
		AlertID:   body.AlertID,
		Target:    body.Target,
	})
	if err != nil {
		s.writeEnforcementError(w, rec, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	rec, err := s.machine.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEnforcementError(w, rec, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeEnforcementError(w http.ResponseWriter, rec *types.EnforcementRecord, err error) {
	var verr *types.ValidationError
	var terr *types.InvalidTransitionError
	var cerr *types.ExternalControlError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &terr):
		writeError(w, http.StatusConflict, terr.Error())
	case errors.As(err, &cerr):
		// The attempt is on record as failed; surface it with the error.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  cerr.Error(),
			"record": rec,
		})
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("Request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
