// Package api provides the HTTP API and middleware for the server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/callboard-io/callboard/internal/auth"
	"github.com/callboard-io/callboard/internal/config"
	"github.com/callboard-io/callboard/internal/presence"
	"github.com/callboard-io/callboard/internal/store"
	"github.com/callboard-io/callboard/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	gateway       *presence.Gateway
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, gw *presence.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		gateway:       gw,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Presence WebSocket (auth handled inside, before the handshake).
	mux.Get("/ws", gw.HandleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/trunks", srv.handleListTrunks)
		r.Get("/api/dids", srv.handleListDIDs)
		r.Get("/api/campaigns", srv.handleListCampaigns)

		// Supervisor routes
		r.Group(func(r chi.Router) {
			r.Use(srv.supervisorMiddleware)
			r.Get("/api/presence", srv.handleListPresence)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)

			r.Get("/api/users", srv.handleListUsers)
			r.Delete("/api/users/{userID}", srv.handleDeleteUser)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}

			r.Post("/api/trunks", srv.handleCreateTrunk)
			r.Put("/api/trunks/{trunkID}", srv.handleUpdateTrunk)
			r.Delete("/api/trunks/{trunkID}", srv.handleDeleteTrunk)

			r.Post("/api/dids", srv.handleCreateDID)
			r.Put("/api/dids/{didID}", srv.handleUpdateDID)
			r.Delete("/api/dids/{didID}", srv.handleDeleteDID)

			r.Post("/api/campaigns", srv.handleCreateCampaign)
			r.Put("/api/campaigns/{campaignID}", srv.handleUpdateCampaign)
			r.Delete("/api/campaigns/{campaignID}", srv.handleDeleteCampaign)

			r.Get("/api/audit", srv.handleListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// audit records an audit event, logging (not failing) on storage errors.
func (s *Server) audit(ctx context.Context, action, userID string, detail json.RawMessage) {
	err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: action, UserID: userID, Detail: detail, CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// notifyConfigChanged pushes a live update to admin dashboards after a
// back-office mutation.
func (s *Server) notifyConfigChanged(entity, action, id string) {
	s.gateway.BroadcastToRoom(presence.RoomAdmins, protocol.TypeConfigChanged, protocol.ConfigChanged{
		Entity: entity,
		Action: action,
		ID:     id,
	})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUser(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Presence handlers ---

func (s *Server) handleListPresence(w http.ResponseWriter, r *http.Request) {
	entries := s.gateway.Connections()
	if entries == nil {
		entries = []presence.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- User handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if err == auth.ErrUserExists {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to create user")
		return
	}

	s.audit(r.Context(), "user.created", identity.UserID, json.RawMessage(fmt.Sprintf(`{"username":%q,"role":%q}`, user.Username, user.Role)))
	s.notifyConfigChanged("user", "created", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err := s.store.DeleteUser(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	s.audit(r.Context(), "user.deleted", identity.UserID, json.RawMessage(fmt.Sprintf(`{"username":%q}`, user.Username)))
	s.notifyConfigChanged("user", "deleted", userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Trunk handlers ---

type trunkRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Secret     string `json:"secret"`
	DialPrefix string `json:"dial_prefix"`
	Active     *bool  `json:"active"`
}

func (tr *trunkRequest) validate() error {
	if tr.Name == "" {
		return fmt.Errorf("name is required")
	}
	if tr.Host == "" {
		return fmt.Errorf("host is required")
	}
	if tr.Port < 0 || tr.Port > 65535 {
		return fmt.Errorf("port out of range")
	}
	return nil
}

func (s *Server) handleListTrunks(w http.ResponseWriter, r *http.Request) {
	trunks, err := s.store.ListTrunks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list trunks")
		return
	}
	if trunks == nil {
		trunks = []store.Trunk{}
	}
	writeJSON(w, http.StatusOK, trunks)
}

func (s *Server) handleCreateTrunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req trunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Port == 0 {
		req.Port = 5060
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	tr := &store.Trunk{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		Secret:     req.Secret,
		DialPrefix: req.DialPrefix,
		Active:     active,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateTrunk(r.Context(), tr); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create trunk")
		return
	}

	s.audit(r.Context(), "trunk.created", identity.UserID, json.RawMessage(fmt.Sprintf(`{"name":%q}`, tr.Name)))
	s.notifyConfigChanged("trunk", "created", tr.ID)
	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) handleUpdateTrunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	trunkID := chi.URLParam(r, "trunkID")
	identity := getIdentityFromContext(r.Context())

	existing, err := s.store.GetTrunk(r.Context(), trunkID)
	if err != nil || existing == nil {
		writeError(w, http.StatusNotFound, "trunk not found")
		return
	}

	var req trunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing.Name = req.Name
	existing.Host = req.Host
	if req.Port != 0 {
		existing.Port = req.Port
	}
	existing.Username = req.Username
	if req.Secret != "" {
		existing.Secret = req.Secret
	}
	existing.DialPrefix = req.DialPrefix
	if req.Active != nil {
		existing.Active = *req.Active
	}

	if err := s.store.UpdateTrunk(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update trunk")
		return
	}

	s.audit(r.Context(), "trunk.updated", identity.UserID, json.RawMessage(fmt.Sprintf(`{"name":%q}`, existing.Name)))
	s.notifyConfigChanged("trunk", "updated", trunkID)
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteTrunk(w http.ResponseWriter, r *http.Request) {
	trunkID := chi.URLParam(r, "trunkID")
	identity := getIdentityFromContext(r.Context())

	existing, err := s.store.GetTrunk(r.Context(), trunkID)
	if err != nil || existing == nil {
		writeError(w, http.StatusNotFound, "trunk not found")
		return
	}
	if err := s.store.DeleteTrunk(r.Context(), trunkID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete trunk")
		return
	}

	s.audit(r.Context(), "trunk.deleted", identity.UserID, json.RawMessage(fmt.Sprintf(`{"name":%q}`, existing.Name)))
	s.notifyConfigChanged("trunk", "deleted", trunkID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- DID handlers ---

type didRequest struct {
	Number      string `json:"number"`
	Description string `json:"description"`
	TrunkID     string `json:"trunk_id"`
	CampaignID  string `json:"campaign_id"`
	Active      *bool  `json:"active"`
}

func (dr *didRequest) validate() error {
	if dr.Number == "" {
		return fmt.Errorf("number is required")
	}
	return nil
}

func (s *Server) handleListDIDs(w http.ResponseWriter, r *http.Request) {
	dids, err := s.store.ListDIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dids")
		return
	}
	if dids == nil {
		dids = []store.DID{}
	}
	writeJSON(w, http.StatusOK, dids)
}

func (s *Server) handleCreateDID(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req didRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	d := &store.DID{
		ID:          uuid.New().String(),
		Number:      req.Number,
		Description: req.Description,
		TrunkID:     req.TrunkID,
		CampaignID:  req.CampaignID,
		Active:      active,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateDID(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create did")
		return
	}

	s.audit(r.Context(), "did.created", identity.UserID, json.RawMessage(fmt.Sprintf(`{"number":%q}`, d.Number)))
	s.notifyConfigChanged("did", "created", d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleUpdateDID(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	didID := chi.URLParam(r, "didID")
	identity := getIdentityFromContext(r.Context())

	existing, err := s.store.GetDID(r.Context(), didID)
	if err != nil || existing == nil {
		writeError(w, http.StatusNotFound, "did not found")
		return
	}

	var req didRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing.Number = req.Number
	existing.Description = req.Description
	existing.TrunkID = req.TrunkID
	existing.CampaignID = req.CampaignID
	if req.Active != nil {
		existing.Active = *req.Active
	}

	if err := s.store.UpdateDID(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update did")
		return
	}

	s.audit(r.Context(), "did.updated", identity.UserID, json.RawMessage(fmt.Sprintf(`{"number":%q}`, existing.Number)))
	s.notifyConfigChanged("did", "updated", didID)
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteDID(w http.ResponseWriter, r *http.Request) {
	didID := chi.URLParam(r, "didID")
	identity := getIdentityFromContext(r.Context())

	existing, err := s.store.GetDID(r.Context(), didID)
	if err != nil || existing == nil {
		writeError(w, http.StatusNotFound, "did not found")
		return
	}
	if err := s.store.DeleteDID(r.Context(), didID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete did")
		return
	}

	s.audit(r.Context(), "did.deleted", identity.UserID, json.RawMessage(fmt.Sprintf(`{"number":%q}`, existing.Number)))
	s.notifyConfigChanged("did", "deleted", didID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Campaign handlers ---

type campaignRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DialPrefix  string `json:"dial_prefix"`
	Active      *bool  `json:"active"`
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []store.Campaign{}
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	c := &store.Campaign{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		DialPrefix:  req.DialPrefix,
		Active:      active,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}

	s.audit(r.Context(), "campaign.created", identity.UserID, json.RawMessage(fmt.Sprintf(`{"name":%q}`, c.Name)))
	s.notifyConfigChanged("campaign", "created", c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	campaignID := chi.URLParam(r, "campaignID")
	identity := getIdentityFromContext(r.Context())

	existing, err := s.store.GetCampaign(r.Context(), campaignID)
	if err != nil || existing == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.DialPrefix = req.DialPrefix
	if req.Active != nil {
		existing.Active = *req.Active
	}

	if err := s.store.UpdateCampaign(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update campaign")
		return
	}

	s.audit(r.Context(), "campaign.updated", identity.UserID, json.RawMessage(fmt.Sprintf(`{"name":%q}`, existing.Name)))
	s.notifyConfigChanged("campaign", "updated", campaignID)
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	identity := getIdentityFromContext(r.Context())

	existing, err := s.store.GetCampaign(r.Context(), campaignID)
	if err != nil || existing == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err := s.store.DeleteCampaign(r.Context(), campaignID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete campaign")
		return
	}

	s.audit(r.Context(), "campaign.deleted", identity.UserID, json.RawMessage(fmt.Sprintf(`{"name":%q}`, existing.Name)))
	s.notifyConfigChanged("campaign", "deleted", campaignID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Audit handlers ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
