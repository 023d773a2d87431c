package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/openrcs/ftengine/internal/content"
	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/session"
	"github.com/openrcs/ftengine/internal/telemetry"
	"github.com/openrcs/ftengine/internal/xfer"
)

// TransferView is the JSON shape of a transfer on the control API.
type TransferView struct {
	ID             string `json:"id"`
	Direction      string `json:"direction"`
	State          string `json:"state"`
	Contact        string `json:"contact"`
	ChatID         string `json:"chatId,omitempty"`
	FileName       string `json:"fileName"`
	SizeBytes      int64  `json:"sizeBytes"`
	Size           string `json:"size"`
	PausedByUser   bool   `json:"pausedByUser"`
	PausedBySystem bool   `json:"pausedBySystem"`
}

// CreateTransferRequest starts an originating upload.
type CreateTransferRequest struct {
	Contact     string `json:"contact"`
	ChatID      string `json:"chatId"`
	IsGroup     bool   `json:"isGroup"`
	Path        string `json:"path"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType,omitempty"`
	Disposition string `json:"disposition,omitempty"`
}

// TransferHandler exposes the local transfer control API.
type TransferHandler struct {
	username  string
	password  string
	mgr       *session.Manager
	store     content.Store
	telemetry *telemetry.Telemetry

	// baseCtx outlives individual requests; resumed transfers must not die
	// with the request that triggered them.
	baseCtx context.Context
}

// NewTransferHandler creates a new transfer control handler.
func NewTransferHandler(baseCtx context.Context, username, password string, mgr *session.Manager, store content.Store, t *telemetry.Telemetry) *TransferHandler {
	return &TransferHandler{
		username:  username,
		password:  password,
		mgr:       mgr,
		store:     store,
		telemetry: t,
		baseCtx:   baseCtx,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)

		r.Route("/{transferID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Post("/pause", h.handlePause)
			r.Post("/resume", h.handleResume)
			r.Post("/cancel", h.handleCancel)
			r.Post("/accept", h.handleAccept)
			r.Post("/reject", h.handleReject)
		})
	})

	return r
}

func (h *TransferHandler) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := h.mgr.List()

	views := make([]TransferView, len(sessions))
	for i, s := range sessions {
		views[i] = viewOf(s)
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *TransferHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, viewOf(s))
}

// handleCreate starts an upload of a local payload.
func (h *TransferHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.Contact == "" || req.Path == "" {
		http.Error(w, "contact and path are required", http.StatusUnprocessableEntity)

		return
	}

	size, err := h.store.Size(req.Path)
	if err != nil || size == 0 {
		logger.Error("payload not readable", "path", req.Path, "err", err)
		http.Error(w, "payload not found or empty", http.StatusUnprocessableEntity)

		return
	}

	disposition := xfer.DispositionAttach
	if req.Disposition == string(xfer.DispositionRender) {
		disposition = xfer.DispositionRender
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = req.Path
	}

	desc := xfer.ContentDescriptor{
		Locator:     req.Path,
		MimeType:    req.MimeType,
		SizeBytes:   size,
		FileName:    fileName,
		Disposition: disposition,
	}

	s, err := h.mgr.StartOriginating(h.baseCtx, req.Contact, req.ChatID, req.IsGroup, desc, nil)
	if err != nil {
		logger.Error("failed to start upload", "err", err)
		http.Error(w, "failed to start upload", http.StatusInternalServerError)

		return
	}

	logger.Info("upload started", "transfer_id", s.ID(), "size", humanize.IBytes(uint64(size)))

	writeJSON(w, http.StatusCreated, viewOf(s))
}

func (h *TransferHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	s.Pause()
	w.WriteHeader(http.StatusAccepted)
}

func (h *TransferHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if h.telemetry != nil {
		h.telemetry.RecordResume(viewOf(s).Direction)
	}

	s.Resume(h.baseCtx)
	w.WriteHeader(http.StatusAccepted)
}

func (h *TransferHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	s.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

func (h *TransferHandler) handleAccept(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if h.telemetry != nil {
		h.telemetry.RecordInvitation("accepted")
	}

	s.Accept()
	w.WriteHeader(http.StatusAccepted)
}

func (h *TransferHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if h.telemetry != nil {
		h.telemetry.RecordInvitation("rejected")
	}

	s.Reject()
	w.WriteHeader(http.StatusAccepted)
}

func (h *TransferHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "transferID")

	s, ok := h.mgr.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown transfer %s", id), http.StatusNotFound)

		return nil, false
	}

	return s, true
}

func (h *TransferHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func viewOf(s *session.Session) TransferView {
	desc := s.Content()

	return TransferView{
		ID:             s.ID(),
		Direction:      string(s.Direction()),
		State:          s.State().String(),
		Contact:        s.Contact(),
		ChatID:         s.ChatID(),
		FileName:       desc.FileName,
		SizeBytes:      desc.SizeBytes,
		Size:           humanize.IBytes(uint64(desc.SizeBytes)),
		PausedByUser:   s.PausedByUser(),
		PausedBySystem: s.PausedBySystem(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
