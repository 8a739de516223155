package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"aigc-platform/internal/assets"
	"aigc-platform/internal/catalog"
	"aigc-platform/internal/config"
	"aigc-platform/internal/ledger"
	"aigc-platform/internal/models"
	"aigc-platform/internal/query"
	"aigc-platform/internal/ratelimit"
	"aigc-platform/internal/taskstore"
	"aigc-platform/internal/telemetry"
)

// Server wires the HTTP surface: write operations go through the task store
// and ledger, reads go through the query gateway.
type Server struct {
	cfg      config.Config
	store    *taskstore.Store
	gateway  *query.Gateway
	ledger   ledger.Ledger
	catalog  catalog.Catalog
	limiter  *ratelimit.AccountLimiter
	assets   assets.Store
	validate *validator.Validate
}

// New constructs the API server. limiter and assetStore may be nil.
func New(cfg config.Config, store *taskstore.Store, gw *query.Gateway, l ledger.Ledger, c catalog.Catalog, limiter *ratelimit.AccountLimiter, assetStore assets.Store) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		gateway:  gw,
		ledger:   l,
		catalog:  c,
		limiter:  limiter,
		assets:   assetStore,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/services", s.handleListServices)
	r.Get("/packages", s.handlePackages)

	r.Post("/accounts", s.handleCreateAccount)
	r.Get("/balance", s.handleBalance)
	r.Post("/deposits", s.handleDeposit)

	r.Post("/uploads", s.handleUpload)

	r.Post("/tasks", s.handleSubmit)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Delete("/tasks/{id}", s.handleCancelTask)

	return r
}

func accountFromRequest(r *http.Request) string {
	return r.Header.Get("X-Account-ID")
}

type submitRequest struct {
	ServiceID string         `json:"service_id" validate:"required"`
	Cost      int64          `json:"cost" validate:"required,gt=0"`
	Input     map[string]any `json:"input"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromRequest(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "X-Account-ID header is required")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	task, err := s.store.Submit(r.Context(), taskstore.SubmitParams{
		AccountID: accountID,
		ServiceID: req.ServiceID,
		Cost:      req.Cost,
		Input:     req.Input,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task.View())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromRequest(r)
	view, err := s.gateway.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil || (accountID != "" && view.AccountID != accountID) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromRequest(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "X-Account-ID header is required")
		return
	}

	f := taskstore.Filter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("q"),
		Limit:  50,
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = ts
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = ts
		}
	}

	views, err := s.gateway.Tasks(r.Context(), accountID, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromRequest(r)
	id := chi.URLParam(r, "id")

	t, err := s.store.Get(r.Context(), id)
	if err != nil || (accountID != "" && t.AccountID != accountID) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if err := s.store.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrTaskFinalized) {
			writeError(w, http.StatusConflict, "task is not cancellable")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.TaskFailed, "reason": models.ReasonCancelled})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromRequest(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "X-Account-ID header is required")
		return
	}
	balance, err := s.gateway.Balance(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromRequest(r)
	if accountID == "" {
		accountID = uuid.New().String()
	}
	if err := s.ledger.CreateAccount(r.Context(), accountID, s.cfg.DefaultCredits); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"account_id": accountID, "balance": s.cfg.DefaultCredits})
}

type depositRequest struct {
	Credits int64 `json:"credits" validate:"required,gt=0"`
}

// handleDeposit is the integration point for the payment gateway: it is
// called once a purchase is confirmed out of band.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromRequest(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "X-Account-ID header is required")
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.ledger.Deposit(r.Context(), accountID, req.Credits)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeError(w, http.StatusNotImplemented, "uploads are not configured")
		return
	}
	accountID := accountFromRequest(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "X-Account-ID header is required")
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	normalized, contentType, err := assets.NormalizeImage(data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "unsupported image")
		return
	}

	ext := ".jpg"
	if contentType == "image/png" {
		ext = ".png"
	}
	ref, err := s.assets.Put(r.Context(), "uploads/"+accountID+"/"+uuid.New().String()+ext, normalized, contentType)
	if err != nil {
		log.Printf("api: store upload: %v", err)
		writeError(w, http.StatusInternalServerError, "store upload")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"image_ref": ref})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.catalog.List(r.Context())})
}

// Credit packages mirror the product's purchase tiers; the actual purchase
// flows through the payment gateway, which then calls the deposit hook.
var creditPackages = []models.CreditPackage{
	{ID: 1, Name: "Starter", Credits: 100, Bonus: 0, Price: 10},
	{ID: 2, Name: "Standard", Credits: 500, Bonus: 50, Price: 45},
	{ID: 3, Name: "Advanced", Credits: 1000, Bonus: 200, Price: 80},
	{ID: 4, Name: "Enterprise", Credits: 5000, Bonus: 1500, Price: 350},
}

func (s *Server) handlePackages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": creditPackages})
}

// writeDomainError maps the error taxonomy to HTTP statuses. Internal
// invariant signals never reach here; the store resolves them before
// returning.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInsufficientCredit):
		writeError(w, http.StatusPaymentRequired, "insufficient credit")
	case errors.Is(err, models.ErrStaleCost):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrServiceInactive):
		writeError(w, http.StatusGone, "service inactive")
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrUnknownService), errors.Is(err, models.ErrUnknownTask), errors.Is(err, models.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
