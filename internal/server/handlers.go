package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/events"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
)

// maxRequestBytes bounds scrub request bodies.
const maxRequestBytes = 10 << 20

type batchRequest struct {
	Records []*scrub.Record `json:"records"`
}

type batchResponse struct {
	Records  []*scrub.Record `json:"records"`
	Warnings int             `json:"warnings"`
}

// handleScrub de-identifies a single JSON record. The response object
// carries the same fields in the same order.
func (s *Server) handleScrub(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	rec := scrub.NewRecord()
	if err := json.NewDecoder(r.Body).Decode(rec); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid record: %v", err))
		return
	}

	start := time.Now()
	scrubbed, warnings, err := s.scrubRecords(requestID, rec)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.stats.records.Add(1)

	s.hub.BroadcastEvent(events.Event{
		Type:      events.EventTypeRecordScrubbed,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: events.RecordScrubbedEvent{
			RequestID:    requestID,
			Records:      1,
			Fields:       scrubbed[0].Len(),
			Warnings:     warnings,
			ProcessingMS: float64(time.Since(start).Microseconds()) / 1000,
		},
	})

	s.writeJSON(w, http.StatusOK, scrubbed[0])
}

// handleScrubBatch de-identifies a list of records in order. A record
// that fails to parse aborts the whole batch; no partial output is
// returned.
func (s *Server) handleScrubBatch(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch: %v", err))
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, http.StatusBadRequest, "batch contains no records")
		return
	}

	start := time.Now()
	scrubbed, warnings, err := s.scrubRecords(requestID, req.Records...)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.stats.records.Add(int64(len(scrubbed)))

	s.hub.BroadcastEvent(events.Event{
		Type:      events.EventTypeRecordScrubbed,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: events.RecordScrubbedEvent{
			RequestID:    requestID,
			Records:      len(scrubbed),
			Warnings:     warnings,
			ProcessingMS: float64(time.Since(start).Microseconds()) / 1000,
		},
	})

	s.writeJSON(w, http.StatusOK, batchResponse{Records: scrubbed, Warnings: warnings})
}

// scrubRecords runs records through the engine under the server mutex,
// forwarding warnings to the event hub.
func (s *Server) scrubRecords(requestID string, recs ...*scrub.Record) ([]*scrub.Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	warnings := 0
	s.scrubber.SetWarningHook(func(warn scrub.Warning) {
		warnings++
		s.stats.warnings.Add(1)
		s.hub.BroadcastEvent(events.Event{
			Type:      events.EventTypeScrubWarning,
			Timestamp: time.Now(),
			RequestID: requestID,
			Data:      events.ScrubWarningEvent{RequestID: requestID, Warning: warn},
		})
	})
	defer s.scrubber.SetWarningHook(nil)

	out := make([]*scrub.Record, 0, len(recs))
	for i, rec := range recs {
		scrubbed, err := s.scrubber.Scrub(rec)
		if err != nil {
			return nil, warnings, fmt.Errorf("record %d: %w", i+1, err)
		}
		out = append(out, scrubbed)
	}
	return out, warnings, nil
}

// handleCrosswalkSummary reports the crosswalk shape without exposing
// any mapping contents.
func (s *Server) handleCrosswalkSummary(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	summary := s.scrubber.Summary()
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, summary)
}

// handleCrosswalkSave persists the crosswalk to the configured store.
func (s *Server) handleCrosswalkSave(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no state store configured")
		return
	}

	s.mu.Lock()
	var buf bytes.Buffer
	err := s.scrubber.SaveState(&buf)
	s.mu.Unlock()

	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to serialize crosswalk: %v", err))
		return
	}

	if err := s.state.Save(r.Context(), buf.Bytes()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to persist crosswalk: %v", err))
		return
	}

	s.logger.WithRequestID(getRequestID(r.Context())).Info("Crosswalk saved on request",
		zap.Int("bytes", buf.Len()))

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "saved",
		"bytes":  buf.Len(),
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	summary := s.scrubber.Summary()
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":              "lessidentify",
		"person_id_key":     summary.PersonIDKey,
		"persons":           summary.Persons,
		"age_mode":          summary.AgeMode,
		"websocket_enabled": s.config.WebSocket.Enabled,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		s.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
