package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"outreach/internal/campaign"
	"outreach/internal/engine"
	"outreach/internal/model"
	"outreach/internal/proxypool"
	"outreach/internal/storage"
	"outreach/internal/supervisor"
	"outreach/internal/warmup"
)

var validate = validator.New()

type API struct {
	Engine *engine.Engine
	Router *chi.Mux
	log    zerolog.Logger

	streamEvery time.Duration
}

func NewRouter(e *engine.Engine, log zerolog.Logger) *chi.Mux {
	return newAPI(e, log).Router
}

func newAPI(e *engine.Engine, log zerolog.Logger) *API {
	api := &API{
		Engine:      e,
		Router:      chi.NewRouter(),
		log:         log,
		streamEvery: 2 * time.Second,
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	api.routes()
	return api
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	// Event stream (SSE) lives outside the request timeout
	a.Router.Get("/api/events/stream", a.handleEventsStream)

	a.Router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))

		r.Get("/api/proxies", a.handleListProxies)
		r.Post("/api/proxies", a.handleImportProxies)
		r.Delete("/api/proxies/{id}", a.handleDeleteProxy)

		r.Post("/api/accounts", a.handleCreateAccount)
		r.Get("/api/accounts/{id}/pair/qr", a.handleAccountPairQR)
		r.Get("/api/accounts/{id}/warmup", a.handleWarmupProgress)

		r.Get("/api/sessions", a.handleListSessions)
		r.Get("/api/sessions/{id}", a.handleGetSession)
		r.Post("/api/sessions/{id}/stop", a.handleStopSession)

		r.Post("/api/campaigns", a.handleCreateCampaign)
		r.Post("/api/campaigns/{id}/start", a.campaignAction(a.Engine.Campaigns.Start))
		r.Post("/api/campaigns/{id}/pause", a.campaignAction(a.Engine.Campaigns.Pause))
		r.Post("/api/campaigns/{id}/resume", a.campaignAction(a.Engine.Campaigns.Resume))
		r.Post("/api/campaigns/{id}/cancel", a.campaignAction(a.Engine.Campaigns.Cancel))
		r.Get("/api/campaigns/{id}/stats", a.handleCampaignStats)
	})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("http")
		})
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"time":     time.Now().Format(time.RFC3339),
		"sessions": len(a.Engine.Supervisor.GetAllStatuses()),
	})
}

// Proxies

func (a *API) handleListProxies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	f := proxypool.Filter{Status: q.Get("status")}
	if v := q.Get("assigned"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			a.writeErr(w, http.StatusBadRequest, "assigned must be true or false")
			return
		}
		f.Assigned = &b
	}
	if v := q.Get("min_score"); v != "" {
		f.MinScore, _ = strconv.ParseFloat(v, 64)
	}
	res, err := a.Engine.Pool.ListPage(r.Context(), page, size, f)
	if err != nil {
		a.writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type importProxiesReq struct {
	Lines []string `json:"lines" validate:"required,min=1"`
}

// handleImportProxies accepts {"lines": [...]} or a text/plain body with one
// proxy per line.
func (a *API) handleImportProxies(w http.ResponseWriter, r *http.Request) {
	var req importProxiesReq
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
		if err != nil {
			a.writeErr(w, http.StatusBadRequest, "read body")
			return
		}
		req.Lines = strings.Split(string(body), "\n")
	} else if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Engine.Pool.Import(r.Context(), req.Lines)
	if err != nil {
		a.writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid proxy id")
		return
	}
	if err := a.Engine.Pool.Remove(r.Context(), id); err != nil {
		a.writeErr(w, statusFor(err), err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

// Accounts

type createAccountReq struct {
	Label             string `json:"label"`
	Phone             string `json:"phone" validate:"required"`
	SessionCredential string `json:"session_credential"`
	NonRenewable      bool   `json:"non_renewable"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if !a.decode(w, r, &req) {
		return
	}
	acc, err := a.Engine.Onboard(r.Context(), engine.OnboardRequest{
		Label:             req.Label,
		Phone:             req.Phone,
		SessionCredential: req.SessionCredential,
		NonRenewable:      req.NonRenewable,
	})
	if err != nil {
		body := map[string]any{"error": err.Error()}
		if acc.ID != "" {
			body["account"] = acc
		}
		a.writeJSON(w, statusFor(err), body)
		return
	}
	a.writeJSON(w, http.StatusCreated, acc)
}

func (a *API) handleAccountPairQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	png, err := a.Engine.Pair(ctx, id)
	if err != nil {
		a.writeErr(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (a *API) handleWarmupProgress(w http.ResponseWriter, r *http.Request) {
	p, err := a.Engine.Warmup.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, statusFor(err), err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, p)
}

// Sessions

type sessionView struct {
	supervisor.Status
	Proxy *model.Proxy `json:"proxy,omitempty"`
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Engine.Supervisor.GetAllStatuses())
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := a.Engine.Supervisor.GetStatus(id)
	if !ok {
		a.writeErr(w, http.StatusNotFound, "session not found")
		return
	}
	view := sessionView{Status: st}
	if px, err := a.Engine.Pool.ProxyFor(r.Context(), id); err == nil {
		view.Proxy = &px
	}
	a.writeJSON(w, http.StatusOK, view)
}

type stopSessionReq struct {
	Override bool `json:"override"`
}

func (a *API) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req stopSessionReq
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	if err := a.Engine.Supervisor.StopSession(r.Context(), chi.URLParam(r, "id"), req.Override); err != nil {
		a.writeErr(w, statusFor(err), err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

// Campaigns

type targetReq struct {
	UserID      string `json:"user_id" validate:"required"`
	DisplayName string `json:"display_name"`
}

type createCampaignReq struct {
	Name                       string      `json:"name"`
	Template                   string      `json:"template" validate:"required"`
	Targets                    []targetReq `json:"targets" validate:"required,min=1,dive"`
	ParticipantAccountIDs      []string    `json:"participant_account_ids" validate:"required,min=1,unique,dive,required"`
	RateLimitPerAccountPerHour int         `json:"rate_limit_per_account_per_hour" validate:"min=0"`
	MinDelaySeconds            int         `json:"min_delay_seconds" validate:"min=0"`
	MaxRetriesPerTarget        int         `json:"max_retries_per_target" validate:"min=0"`
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignReq
	if !a.decode(w, r, &req) {
		return
	}
	targets := make([]model.CampaignTarget, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = model.CampaignTarget{UserID: t.UserID, DisplayName: t.DisplayName}
	}
	c, err := a.Engine.Campaigns.Create(r.Context(), campaign.CreateRequest{
		Name:                       req.Name,
		Template:                   req.Template,
		Targets:                    targets,
		ParticipantAccountIDs:      req.ParticipantAccountIDs,
		RateLimitPerAccountPerHour: req.RateLimitPerAccountPerHour,
		MinDelaySeconds:            req.MinDelaySeconds,
		MaxRetriesPerTarget:        req.MaxRetriesPerTarget,
	})
	if err != nil {
		a.writeErr(w, statusFor(err), err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, c)
}

func (a *API) campaignAction(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			a.writeErr(w, statusFor(err), err.Error())
			return
		}
		st, err := a.Engine.Campaigns.GetStats(r.Context(), id)
		if err != nil {
			a.writeErr(w, statusFor(err), err.Error())
			return
		}
		a.writeJSON(w, http.StatusOK, st)
	}
}

func (a *API) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Engine.Campaigns.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, statusFor(err), err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

// Events

// handleEventsStream tails the events table. Clients resume with
// Last-Event-ID or ?after=.
func (a *API) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	lastID, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	if v := r.URL.Query().Get("after"); v != "" {
		lastID, _ = strconv.ParseInt(v, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// kick off stream
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(a.streamEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := a.Engine.Store.EventsAfter(r.Context(), lastID, 100)
			if err != nil {
				// keep trying
				continue
			}
			for _, ev := range events {
				lastID = ev.ID
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, b)
			}
			if len(events) > 0 {
				flusher.Flush()
			}
		}
	}
}

func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, supervisor.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, proxypool.ErrPoolExhausted),
		errors.Is(err, proxypool.ErrProxyAssigned),
		errors.Is(err, supervisor.ErrProtectedAccount),
		errors.Is(err, storage.ErrAccountLost),
		errors.Is(err, warmup.ErrAlreadyActive),
		errors.Is(err, campaign.ErrParticipantBusy),
		errors.Is(err, campaign.ErrParticipantNotActive),
		errors.Is(err, campaign.ErrCampaignRunning),
		errors.Is(err, campaign.ErrCampaignNotRunning),
		errors.Is(err, campaign.ErrCampaignFinished),
		errors.Is(err, campaign.ErrCampaignNotPaused):
		return http.StatusConflict
	case errors.Is(err, engine.ErrPhoneRequired),
		errors.Is(err, campaign.ErrNoParticipants),
		errors.Is(err, campaign.ErrNoTargets),
		errors.Is(err, campaign.ErrInvalidTemplate),
		errors.As(err, &verr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := validate.Struct(v); err != nil {
		a.writeErr(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		case "unique":
			msgs = append(msgs, field+" must not repeat")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

func (a *API) writeErr(w http.ResponseWriter, code int, msg string) {
	a.writeJSON(w, code, map[string]any{"error": msg})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		a.log.Warn().Err(err).Int("status", code).Msg("encode response")
	}
}
