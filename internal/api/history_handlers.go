package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/internal/storage"
)

// HandleListHistory lists audit events
func (s *RESTServer) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := pagination(r)

	filters := storage.EventLogFilters{}

	// Parse filters
	if workflowID := r.URL.Query().Get("workflow_id"); workflowID != "" {
		id, err := uuid.Parse(workflowID)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid workflow_id")
			return
		}
		filters.WorkflowID = &id
	}

	if mac := r.URL.Query().Get("mac"); mac != "" {
		filters.MACAddress = &mac
	}

	if eventType := r.URL.Query().Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := r.URL.Query().Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	for param, dst := range map[string]**time.Time{"since": &filters.StartTime, "until": &filters.EndTime} {
		v := r.URL.Query().Get(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+param+" timestamp")
			return
		}
		*dst = &t
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// HandleListBackups lists registered image backups
func (s *RESTServer) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	backups, total, err := s.store.ListImageBackups(r.Context(), r.URL.Query().Get("mac"), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"total":   total,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
