// Package httpapi is the control-plane HTTP surface: governance status and
// policy updates, deployment enable/disable, system-wide pause/resume/halt,
// and the sidecar's sole live-intent submission endpoint. Routing stays on
// bare net/http.ServeMux (Go 1.22+ method+path patterns cover every route
// named here), with /health, /status, and /metrics layered on for the
// process's own liveness and Prometheus scraping.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"binarymm/internal/apperrors"
	"binarymm/internal/coordinator"
	"binarymm/internal/core"
	"binarymm/internal/domain"
	"binarymm/internal/exchange"
)

// Coordinator is the narrow capability the control plane needs from
// coordinator.Coordinator: deployment admin, system-wide ingress commands,
// and the sidecar intent-submission path.
type Coordinator interface {
	Deployment(id string) (domain.Deployment, bool)
	Deployments() []domain.Deployment
	RegisterDeployment(ctx context.Context, dep domain.Deployment) error
	SetDeploymentEnabled(ctx context.Context, id string, enabled bool) error
	PauseDomain(domainName string)
	ResumeDomain(domainName string)
	HaltDomain(domainName string)
	PauseGlobal()
	ResumeGlobal()
	HaltGlobal()
	SubmitIntent(ctx context.Context, intent domain.OrderIntent, dep domain.Deployment, maker, taker decimal.Decimal) (coordinator.Ack, error)
}

// GovernanceView is the narrow risk.Gate capability the governance routes
// read and mutate.
type GovernanceView interface {
	Policy() domain.GovernancePolicy
	UpdatePolicy(p domain.GovernancePolicy)
}

// ExposureView reports current notional exposure per domain, for the
// governance status endpoint. Optional; nil omits the exposure field.
type ExposureView interface {
	DomainExposure(domainName string) decimal.Decimal
}

// Config configures auth and the listen address.
type Config struct {
	Addr         string
	AuthRequired bool
	AuthToken    string // compared against the Authorization: Bearer <token> header
	// GatewayOnly, when set, requires every sidecar-submitted intent's
	// client_order_id to carry exchange.IntentPrefix, so a live order can
	// only reach the exchange through this governance-gated path.
	GatewayOnly bool
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg      Config
	logger   core.ILogger
	coord    Coordinator
	gov      GovernanceView
	exposure ExposureView
	health   core.IHealthMonitor

	httpServer *http.Server
}

// New constructs a Server. exposure and health may be nil.
func New(cfg Config, coord Coordinator, gov GovernanceView, exposure ExposureView, health core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.WithField("component", "httpapi"),
		coord:    coord,
		gov:      gov,
		exposure: exposure,
		health:   health,
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("GET /api/governance/status", s.auth(s.handleGovernanceStatus))
	mux.Handle("PUT /api/governance/policy", s.auth(s.handleGovernancePolicy))
	mux.Handle("GET /api/deployments", s.auth(s.handleListDeployments))
	mux.Handle("PUT /api/deployments", s.auth(s.handleRegisterDeployment))
	mux.Handle("POST /api/deployments/{id}/enable", s.auth(s.handleSetDeploymentEnabled(true)))
	mux.Handle("POST /api/deployments/{id}/disable", s.auth(s.handleSetDeploymentEnabled(false)))
	mux.Handle("POST /api/system/pause", s.auth(s.handleSystemCommand(func(domainName string) { s.systemScope(domainName, s.coord.PauseDomain, s.coord.PauseGlobal) })))
	mux.Handle("POST /api/system/resume", s.auth(s.handleSystemCommand(func(domainName string) { s.systemScope(domainName, s.coord.ResumeDomain, s.coord.ResumeGlobal) })))
	mux.Handle("POST /api/system/halt", s.auth(s.handleSystemCommand(func(domainName string) { s.systemScope(domainName, s.coord.HaltDomain, s.coord.HaltGlobal) })))
	mux.Handle("POST /api/sidecar/intents", s.auth(s.handleSidecarIntent))

	return mux
}

func (s *Server) systemScope(domainName string, scoped func(string), global func()) {
	if domainName == "" {
		global()
		return
	}
	scoped(domainName)
}

// Start begins serving in the background. Call Shutdown to stop.
func (s *Server) Start() {
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.mux()}
	go func() {
		s.logger.Info("starting control-plane http server", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control-plane http server failed", "error", err.Error())
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// auth enforces the bearer-token requirement from Config when enabled.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthRequired {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || token != s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "time": time.Now()}
	status := http.StatusOK
	if s.health != nil {
		body["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	if s.health != nil {
		status = s.health.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

type governanceStatusResponse struct {
	GlobalIngressMode  domain.IngressMode            `json:"global_ingress_mode"`
	DomainIngressModes map[string]domain.IngressMode `json:"domain_ingress_modes"`
	Deployments        []domain.Deployment           `json:"deployments"`
	Exposure           map[string]string             `json:"exposure,omitempty"`
}

func (s *Server) handleGovernanceStatus(w http.ResponseWriter, r *http.Request) {
	policy := s.gov.Policy()
	deployments := s.coord.Deployments()

	resp := governanceStatusResponse{
		GlobalIngressMode:  policy.GlobalIngressMode,
		DomainIngressModes: policy.DomainIngressModes,
		Deployments:        deployments,
	}
	if s.exposure != nil {
		domains := map[string]bool{}
		for _, dep := range deployments {
			domains[dep.Domain] = true
		}
		resp.Exposure = make(map[string]string, len(domains))
		for d := range domains {
			resp.Exposure[d] = s.exposure.DomainExposure(d).String()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGovernancePolicy(w http.ResponseWriter, r *http.Request) {
	var policy domain.GovernancePolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	current := s.gov.Policy()
	policy.Version = current.Version + 1
	s.gov.UpdatePolicy(policy)

	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Deployments())
}

func (s *Server) handleRegisterDeployment(w http.ResponseWriter, r *http.Request) {
	var dep domain.Deployment
	if err := json.NewDecoder(r.Body).Decode(&dep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if dep.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "deployment id is required")
		return
	}
	if err := s.coord.RegisterDeployment(r.Context(), dep); err != nil {
		writeError(w, http.StatusInternalServerError, "registration_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleSetDeploymentEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.coord.SetDeploymentEnabled(r.Context(), id, enabled); err != nil {
			writeErrorFromErr(w, err)
			return
		}
		dep, _ := s.coord.Deployment(id)
		writeJSON(w, http.StatusOK, dep)
	}
}

type systemCommandRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) handleSystemCommand(apply func(domainName string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req systemCommandRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
				return
			}
		}
		apply(req.Domain)
		writeJSON(w, http.StatusOK, map[string]string{"domain": req.Domain, "status": "applied"})
	}
}

// sidecarIntentRequest is the wire shape an external agent posts: an
// unsigned intent plus whatever the Coordinator needs to route it. maker/
// taker amounts are derived server-side from price and shares so the
// sidecar never has to duplicate the USDC-scale rounding rule.
type sidecarIntentRequest struct {
	DeploymentID   string             `json:"deployment_id"`
	Domain         string             `json:"domain"`
	TokenID        string             `json:"token_id"`
	Side           domain.Side        `json:"side"`
	MarketSide     domain.MarketSide  `json:"market_side"`
	Shares         decimal.Decimal    `json:"shares"`
	LimitPrice     decimal.Decimal    `json:"limit_price"`
	TimeInForce    domain.TimeInForce `json:"time_in_force"`
	ExpirationUnix int64              `json:"expiration_unix"`
	IdempotencyKey string             `json:"idempotency_key"`
	ClientOrderID  string             `json:"client_order_id"`
}

func (s *Server) handleSidecarIntent(w http.ResponseWriter, r *http.Request) {
	var req sidecarIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "missing_idempotency_key", "idempotency_key is required")
		return
	}
	if s.cfg.GatewayOnly && !strings.HasPrefix(req.ClientOrderID, exchange.IntentPrefix) {
		writeError(w, http.StatusBadRequest, "gateway_only_prefix_required", fmt.Sprintf("client_order_id must be prefixed %q under gateway_only", exchange.IntentPrefix))
		return
	}

	intent := domain.OrderIntent{
		IntentID:       req.ClientOrderID,
		DeploymentID:   req.DeploymentID,
		Domain:         req.Domain,
		TokenID:        req.TokenID,
		Side:           req.Side,
		MarketSide:     req.MarketSide,
		Shares:         req.Shares,
		LimitPrice:     req.LimitPrice,
		TimeInForce:    req.TimeInForce,
		ExpirationUnix: req.ExpirationUnix,
		IdempotencyKey: req.IdempotencyKey,
		ClientOrderID:  req.ClientOrderID,
		CreationTS:     time.Now(),
	}

	maker, taker := exchange.PriceToAmounts(intent.Side, intent.LimitPrice, intent.Shares)
	ack, err := s.coord.SubmitIntent(r.Context(), intent, domain.Deployment{}, maker, taker)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeErrorFromErr maps the apperrors taxonomy onto the status codes
// the ingress API promises: 400 invalid payload, 409 idempotency conflict,
// 422 other gate rejections, 429 domain paused, 503 halted.
func writeErrorFromErr(w http.ResponseWriter, err error) {
	ae, ok := err.(*apperrors.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	switch {
	case ae.Kind == apperrors.KindValidation:
		writeError(w, http.StatusBadRequest, ae.Code, ae.Message)
	case strings.Contains(ae.Code, "idempotency"):
		writeError(w, http.StatusConflict, ae.Code, ae.Message)
	case strings.HasSuffix(strings.ToUpper(ae.Code), "_PAUSED"):
		writeError(w, http.StatusTooManyRequests, ae.Code, ae.Message)
	case strings.HasSuffix(strings.ToUpper(ae.Code), "_HALTED") || ae.Code == "emergency_stopped":
		writeError(w, http.StatusServiceUnavailable, ae.Code, ae.Message)
	case ae.Kind == apperrors.KindGateRejection:
		writeError(w, http.StatusUnprocessableEntity, ae.Code, ae.Message)
	default:
		writeError(w, http.StatusInternalServerError, ae.Code, fmt.Sprintf("%s: %s", ae.Kind, ae.Message))
	}
}
