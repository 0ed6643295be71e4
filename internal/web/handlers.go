package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/cycomachead/canvas-lms/internal/sis"
)

// handleCreateBatch accepts a multipart submission: an "attachment" file
// plus optional import_type, batch_mode, and batch_mode_term_id fields.
// The file streams straight into the upload store; it is never buffered
// whole in memory.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid account id", err)
		return
	}

	maxSize := s.cfg.Import.MaxUploadSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, r, http.StatusBadRequest, "file too large or invalid form", err)
		return
	}

	file, header, err := r.FormFile("attachment")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "no attachment provided", err)
		return
	}
	defer file.Close()

	params := sis.CreateBatchParams{
		AccountID:  accountID,
		ImportType: r.FormValue("import_type"),
		Filename:   header.Filename,
		File:       file,
	}
	if v := r.FormValue("batch_mode"); v != "" {
		batchMode, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid batch_mode", err)
			return
		}
		params.BatchMode = batchMode
	}
	if v := r.FormValue("batch_mode_term_id"); v != "" {
		termID, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid batch_mode_term_id", err)
			return
		}
		params.BatchModeTermID = &termID
	}

	b, err := s.service.CreateBatch(r.Context(), params)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to create import", err)
		return
	}

	doc := sis.NewBatchDocument(b, nil)
	writeJSON(w, http.StatusCreated, doc)
}

// handleGetBatch returns the status document for one batch.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid account id", err)
		return
	}
	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid import id", err)
		return
	}

	doc, err := s.service.GetBatchDocument(r.Context(), accountID, batchID)
	if errors.Is(err, sis.ErrBatchNotFound) {
		writeError(w, r, http.StatusNotFound, "import not found", nil)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load import", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleListBatches enumerates an account's batches in one state, ordered
// by creation time. Defaults to the created (pending-processing) state.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid account id", err)
		return
	}

	state := sis.BatchState(r.URL.Query().Get("workflow_state"))
	if state == "" {
		state = sis.StateCreated
	}
	if !state.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid workflow_state", nil)
		return
	}

	docs, err := s.service.ListBatchDocuments(r.Context(), accountID, state)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list imports", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sis_imports": docs})
}
