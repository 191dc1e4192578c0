package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vetting/internal/verification/admission"
	"vetting/internal/verification/models"
	"vetting/internal/verification/service"
	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
	"vetting/pkg/platform/httputil"
	strs "vetting/pkg/platform/strings"
	"vetting/pkg/requestcontext"
)

const defaultMaxUploadBytes = 10 << 20

// Service defines the verification operations exposed over HTTP.
type Service interface {
	Start(ctx context.Context, userID id.UserID, in service.StartInput) (*models.Record, bool, error)
	SubmitDocuments(ctx context.Context, userID id.UserID, docs models.Documents, otp string) (*models.Record, error)
	AttachDocument(ctx context.Context, userID id.UserID, kind models.DocumentKind, contentType string, data []byte) (*models.Record, error)
	VerifyPhone(ctx context.Context, userID id.UserID, otp string) (*models.Record, error)
	Status(ctx context.Context, userID id.UserID) (*service.StatusView, error)
	Appeal(ctx context.Context, userID id.UserID, reason string) (*models.Record, error)
	AdminApprove(ctx context.Context, adminID id.UserID, recordID id.RecordID, note string) (*models.Record, error)
	AdminReject(ctx context.Context, adminID id.UserID, recordID id.RecordID, reason string) (*models.Record, error)
	AdminSuspend(ctx context.Context, adminID id.UserID, recordID id.RecordID, reason string) (*models.Record, error)
	Recheck(ctx context.Context, adminID id.UserID, recordID id.RecordID) (*models.Record, error)
	GetRecord(ctx context.Context, adminID id.UserID, recordID id.RecordID) (*service.RecordDetail, error)
	ListQueue(ctx context.Context, adminID id.UserID, statuses []models.Status, limit int) ([]*models.Record, error)
}

// Gate answers admission questions for the current user.
type Gate interface {
	IsAuthorized(ctx context.Context, userID id.UserID, action admission.Action) bool
}

// Handler wires verification endpoints to the verification service.
type Handler struct {
	service        Service
	gate           Gate
	logger         *slog.Logger
	maxUploadBytes int64
}

// New constructs a verification handler. maxUploadBytes <= 0 uses 10 MiB.
func New(service Service, gate Gate, logger *slog.Logger, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		service:        service,
		gate:           gate,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// Register mounts the user-facing endpoints. The router must already
// require authentication.
func (h *Handler) Register(r chi.Router) {
	r.Post("/verification/start", h.HandleStart)
	r.Post("/verification/documents", h.HandleSubmitDocuments)
	r.Post("/verification/documents/{kind}", h.HandleUploadDocument)
	r.Post("/verification/phone", h.HandleVerifyPhone)
	r.Post("/verification/appeal", h.HandleAppeal)
	r.Get("/verification/status", h.HandleStatus)
	r.Get("/verification/admission", h.HandleAdmission)
}

// RegisterAdmin mounts the admin endpoints. The service checks admin rights
// again on every call.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/verification", h.HandleListQueue)
	r.Get("/admin/verification/{id}", h.HandleGetRecord)
	r.Post("/admin/verification/{id}/approve", h.HandleApprove)
	r.Post("/admin/verification/{id}/reject", h.HandleReject)
	r.Post("/admin/verification/{id}/suspend", h.HandleSuspend)
	r.Post("/admin/verification/{id}/recheck", h.HandleRecheck)
}

// HandleStart handles POST /verification/start.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[StartRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	rec, created, err := h.service.Start(ctx, userID, service.StartInput{
		FullName:    req.FullName,
		NationalID:  req.NationalID,
		DateOfBirth: req.DateOfBirth,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		h.fail(w, ctx, "start verification failed", userID, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.InfoContext(ctx, "verification started",
			"request_id", requestID,
			"user_id", userID,
			"record_id", rec.ID,
		)
	}
	httputil.WriteJSON(w, status, toStatusResponse(rec))
}

// HandleSubmitDocuments handles POST /verification/documents.
func (h *Handler) HandleSubmitDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[DocumentsRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	rec, err := h.service.SubmitDocuments(ctx, userID, req.Documents(), req.PhoneOTP)
	if err != nil {
		h.fail(w, ctx, "document submission failed", userID, err)
		return
	}

	h.logger.InfoContext(ctx, "documents submitted",
		"request_id", requestID,
		"user_id", userID,
		"record_id", rec.ID,
		"status", rec.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(rec))
}

// HandleUploadDocument handles POST /verification/documents/{kind} with a
// multipart "file" field.
func (h *Handler) HandleUploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	kind, err := models.ParseDocumentKind(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.logger.WarnContext(ctx, "failed to parse upload",
			"request_id", requestID,
			"user_id", userID,
			"error", err,
		)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "document is too large"))
			return
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "multipart form with a file field is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "file field is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "failed to read uploaded file"))
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	rec, err := h.service.AttachDocument(ctx, userID, kind, contentType, data)
	if err != nil {
		h.fail(w, ctx, "document upload failed", userID, err)
		return
	}

	h.logger.InfoContext(ctx, "document uploaded",
		"request_id", requestID,
		"user_id", userID,
		"record_id", rec.ID,
		"kind", kind,
		"size", len(data),
	)
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(rec))
}

// HandleVerifyPhone handles POST /verification/phone.
func (h *Handler) HandleVerifyPhone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[PhoneRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	rec, err := h.service.VerifyPhone(ctx, userID, req.OTPCode)
	if err != nil {
		h.fail(w, ctx, "phone verification failed", userID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(rec))
}

// HandleAppeal handles POST /verification/appeal.
func (h *Handler) HandleAppeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReasonRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	rec, err := h.service.Appeal(ctx, userID, req.Reason)
	if err != nil {
		h.fail(w, ctx, "appeal failed", userID, err)
		return
	}

	h.logger.InfoContext(ctx, "verification appealed",
		"request_id", requestID,
		"user_id", userID,
		"record_id", rec.ID,
	)
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(rec))
}

// HandleStatus handles GET /verification/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	view, err := h.service.Status(ctx, userID)
	if err != nil {
		h.fail(w, ctx, "status lookup failed", userID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromStatusView(view))
}

// HandleAdmission handles GET /verification/admission?action=.
func (h *Handler) HandleAdmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	action, err := admission.ParseAction(r.URL.Query().Get("action"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AdmissionResponse{
		Action:     string(action),
		Authorized: h.gate.IsAuthorized(ctx, userID, action),
	})
}

// HandleListQueue handles GET /admin/verification?status=&limit=.
func (h *Handler) HandleListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}

	var statuses []models.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strs.DedupeAndTrimLower(strings.Split(raw, ",")) {
			st, err := models.ParseStatus(part)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			statuses = append(statuses, st)
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	records, err := h.service.ListQueue(ctx, adminID, statuses, limit)
	if err != nil {
		h.fail(w, ctx, "list verification queue failed", adminID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toQueueResponse(records))
}

// HandleGetRecord handles GET /admin/verification/{id}.
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminID, recordID, ok := h.adminTarget(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetRecord(ctx, adminID, recordID)
	if err != nil {
		h.fail(w, ctx, "get verification record failed", adminID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRecordDetailResponse(detail))
}

// HandleApprove handles POST /admin/verification/{id}/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.adminDecision(w, r, "approve", h.service.AdminApprove)
}

// HandleReject handles POST /admin/verification/{id}/reject.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.adminDecision(w, r, "reject", h.service.AdminReject)
}

// HandleSuspend handles POST /admin/verification/{id}/suspend.
func (h *Handler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.adminDecision(w, r, "suspend", h.service.AdminSuspend)
}

// HandleRecheck handles POST /admin/verification/{id}/recheck.
func (h *Handler) HandleRecheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminID, recordID, ok := h.adminTarget(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Recheck(ctx, adminID, recordID)
	if err != nil {
		h.fail(w, ctx, "recheck failed", adminID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRecordResponse(rec))
}

type decisionFunc func(ctx context.Context, adminID id.UserID, recordID id.RecordID, reason string) (*models.Record, error)

func (h *Handler) adminDecision(w http.ResponseWriter, r *http.Request, action string, decide decisionFunc) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	adminID, recordID, ok := h.adminTarget(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReasonRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	rec, err := decide(ctx, adminID, recordID, req.Reason)
	if err != nil {
		h.fail(w, ctx, "admin "+action+" failed", adminID, err)
		return
	}

	h.logger.InfoContext(ctx, "admin decision applied",
		"request_id", requestID,
		"admin_id", adminID,
		"record_id", rec.ID,
		"action", action,
		"status", rec.Status,
	)
	httputil.WriteJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (h *Handler) adminTarget(w http.ResponseWriter, r *http.Request) (id.UserID, id.RecordID, bool) {
	adminID, ok := h.requireUser(w, r.Context())
	if !ok {
		return id.UserID{}, id.RecordID{}, false
	}
	recordID, err := id.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.UserID{}, id.RecordID{}, false
	}
	return adminID, recordID, true
}

func (h *Handler) requireUser(w http.ResponseWriter, ctx context.Context) (id.UserID, bool) {
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.UserID{}, false
	}
	return userID, true
}

// fail logs at warn for client errors and error for server errors, then
// writes the mapped response.
func (h *Handler) fail(w http.ResponseWriter, ctx context.Context, msg string, userID id.UserID, err error) {
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"user_id", userID,
		"error", err,
	}
	if dErrors.ToHTTPStatus(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
