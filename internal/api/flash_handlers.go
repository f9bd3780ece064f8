package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/internal/workflow"
)

// maxUpload bounds a loaded image; anything past it is rejected by the workflow.
const maxUpload = 16<<20 + 1

// HandleGetState returns the workflow snapshot
func (s *RESTServer) HandleGetState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.workflow.Snapshot())
}

// HandleListPorts lists serial ports
func (s *RESTServer) HandleListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ports":    ports,
		"selected": s.ports.Port(),
	})
}

// HandleSetPort selects the serial port for later actions
func (s *RESTServer) HandleSetPort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port string `json:"port" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.workflow.InProgress() {
		s.respondErr(w, workflow.ErrBusy)
		return
	}

	s.ports.SetPort(req.Port)
	log.Info().Str("port", req.Port).Msg("Serial port selected")

	s.respondJSON(w, http.StatusOK, map[string]string{"selected": req.Port})
}

// HandleSetMode switches between normal and reset-to-stock
func (s *RESTServer) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := workflow.ParseMode(req.Mode)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.workflow.SetMode(mode); err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, s.workflow.Snapshot())
}

// HandleSetParams stores the patch parameters and reports every violation
func (s *RESTServer) HandleSetParams(w http.ResponseWriter, r *http.Request) {
	var params models.PatchParameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := s.workflow.SetParams(params)
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusUnprocessableEntity
	}

	s.respondJSON(w, status, res)
}

// HandleRead starts reading the attached box
func (s *RESTServer) HandleRead(w http.ResponseWriter, r *http.Request) {
	s.startAction(w, workflow.Request{Action: workflow.ActionRead})
}

// HandleLoad starts loading an image file from a multipart upload
func (s *RESTServer) HandleLoad(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	// The action outlives this request, so the upload is buffered first.
	data, err := io.ReadAll(io.LimitReader(file, maxUpload))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	s.startAction(w, workflow.Request{Action: workflow.ActionLoadFile, File: bytes.NewReader(data)})
}

// HandlePatch starts the patch request
func (s *RESTServer) HandlePatch(w http.ResponseWriter, r *http.Request) {
	s.startAction(w, workflow.Request{Action: workflow.ActionPatch})
}

// HandleCertificates starts certificate extraction
func (s *RESTServer) HandleCertificates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Overwrite bool `json:"overwrite"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.startAction(w, workflow.Request{Action: workflow.ActionCertificates, Overwrite: req.Overwrite})
}

// HandleWrite starts writing the output image to the box
func (s *RESTServer) HandleWrite(w http.ResponseWriter, r *http.Request) {
	s.startAction(w, workflow.Request{Action: workflow.ActionWrite})
}

func (s *RESTServer) startAction(w http.ResponseWriter, req workflow.Request) {
	if err := s.workflow.Start(req); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, s.workflow.Snapshot())
}

// HandleAdvance moves to the next step
func (s *RESTServer) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	if !s.workflow.Advance() {
		s.respondError(w, http.StatusConflict, "cannot advance from the current step")
		return
	}
	s.respondJSON(w, http.StatusOK, s.workflow.Snapshot())
}

// HandleRetreat moves to the previous step
func (s *RESTServer) HandleRetreat(w http.ResponseWriter, r *http.Request) {
	if !s.workflow.Retreat() {
		s.respondError(w, http.StatusConflict, "cannot go back from the current step")
		return
	}
	s.respondJSON(w, http.StatusOK, s.workflow.Snapshot())
}

// HandleRestart returns to the first step and drops all images
func (s *RESTServer) HandleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.workflow.Restart(); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.workflow.Snapshot())
}

// HandleCancel aborts the running action
func (s *RESTServer) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.workflow.Cancel() {
		s.respondError(w, http.StatusConflict, "no operation in progress")
		return
	}
	s.respondJSON(w, http.StatusAccepted, s.workflow.Snapshot())
}

// HandleDownloadImage serves the raw or patched image
func (s *RESTServer) HandleDownloadImage(w http.ResponseWriter, r *http.Request) {
	slot, err := flashstore.ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	export, err := s.workflow.Store().Export(slot)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(export.Image.Len()))
	w.Header().Set("X-Image-SHA256", export.Image.SHA256())
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, export.Image.Reader()); err != nil {
		log.Warn().Err(err).Str("file", export.Filename).Msg("Image download interrupted")
	}
}
