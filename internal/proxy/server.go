package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clawshield/clawshield/internal/config"
	"github.com/clawshield/clawshield/internal/detect"
	"github.com/clawshield/clawshield/internal/engine"
	"github.com/clawshield/clawshield/internal/firewall"
	"github.com/clawshield/clawshield/internal/kv"
	"github.com/clawshield/clawshield/internal/metrics"
	"github.com/clawshield/clawshield/internal/rules"
	"github.com/clawshield/clawshield/internal/skills"
	"github.com/clawshield/clawshield/internal/store"
	"github.com/clawshield/clawshield/internal/telemetry"
)

// Version is stamped at build time.
var Version = "0.1.0"

// Server is the clawshield gateway server.
type Server struct {
	cfg       *config.Config
	srv       *http.Server
	ln        net.Listener
	store     *store.Store
	kv        *kv.Store
	fw        *firewall.Firewall
	analyzer  *skills.Analyzer
	metrics   *metrics.Metrics
	telemetry *telemetry.Provider
	logger    *slog.Logger
}

// NewServer creates and wires the gateway.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	upstream, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	kvs := kv.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := kvs.Ping(pingCtx); err != nil {
		logger.Warn("key-value store unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	ruleEngine := rules.NewEngine(st, time.Duration(cfg.Firewall.RuleCacheTTLSeconds)*time.Second, logger)
	loops := detect.NewLoopDetector(kvs)

	fw := firewall.New(st, kvs, ruleEngine, loops, firewall.Options{
		ThreatScoreThreshold: cfg.Firewall.ThreatScoreThreshold,
		DefaultRateLimit:     cfg.Firewall.DefaultRateLimit,
	}, logger)

	if len(cfg.Webhooks) > 0 {
		fw.SetAlerter(NewAlerter(cfg.Webhooks, logger))
	}
	if cfg.Firewall.DeepScan {
		fw.SetDeepScanner(engine.NewScanner(cfg.Firewall.CustomRulesDir, logger))
	}

	analyzer := skills.NewAnalyzer(time.Duration(cfg.Skills.TimeoutMs)*time.Millisecond, cfg.Skills.MemoryMiB, logger)

	var m *metrics.Metrics
	if cfg.Telemetry.Metrics {
		m = metrics.New()
	}
	tel, err := telemetry.Setup(cfg.Telemetry.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	handler := NewHandler(upstream, fw, st, m, cfg.Upstream.MaxBodyBytes, logger)
	wsGateway := NewWSGateway(upstream, fw, m, cfg.WebSocket.MaxConnsPerIP, cfg.WebSocket.MaxMessageSize, logger)

	s := &Server{
		cfg:       cfg,
		store:     st,
		kv:        kvs,
		fw:        fw,
		analyzer:  analyzer,
		metrics:   m,
		telemetry: tel,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.HandleFunc("POST /v1/skills/analyze", s.handleAnalyzeSkill)
	mux.Handle("/ws", wsGateway)
	mux.Handle("/", handler)

	var h http.Handler = mux
	h = securityHeaders(h)
	h = logging(logger)(h)
	h = recovery(logger, cfg.Server.Debug)(h)
	h = requestID(h)
	if cfg.Telemetry.Tracing {
		h = otelhttp.NewHandler(h, "clawshield")
	}

	bind := cfg.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, actualPort, err := listenAutoPort(bind, cfg.Server.Port, logger)
	if err != nil {
		return nil, fmt.Errorf("binding port: %w", err)
	}
	cfg.Server.Port = actualPort

	s.ln = ln
	s.srv = &http.Server{
		Handler: h,
		// WebSocket sessions are long-lived; only bound the idle pool
		// and header phase.
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// handleAnalyzeSkill runs the skill pipeline with a verdict cache
// keyed by code hash.
func (s *Server) handleAnalyzeSkill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Language string `json:"language,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}

	ctx, span := s.telemetry.Tracer("skills").Start(r.Context(), "skills.analyze")
	defer span.End()

	hash := skills.CodeHash(req.Code)
	if cached, err := s.store.SkillVerdictByHash(ctx, hash); err == nil && cached != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"cached":    true,
			"codeHash":  cached.CodeHash,
			"safe":      cached.Safe,
			"riskScore": cached.RiskScore,
			"reason":    cached.Reason,
		})
		return
	}

	result := s.analyzer.Analyze(req.Code)
	if s.metrics != nil {
		verdict := "safe"
		if !result.Safe {
			verdict = "unsafe"
		}
		s.metrics.SkillAnalyses.WithLabelValues(verdict).Inc()
	}

	vulns, _ := json.Marshal(result.Vulnerabilities)
	patterns, _ := json.Marshal(result.Patterns)
	language := req.Language
	if language == "" {
		language = "javascript"
	}
	if err := s.store.UpsertSkillVerdict(ctx, store.SkillVerdict{
		CodeHash:        hash,
		Language:        language,
		Safe:            result.Safe,
		RiskScore:       result.RiskScore,
		Reason:          result.Reason,
		Vulnerabilities: string(vulns),
		Patterns:        string(patterns),
		AnalysisTimeMs:  result.AnalysisTimeMs,
	}); err != nil {
		s.logger.Error("caching skill verdict failed", "error", err, "code_hash", hash)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cached":          false,
		"codeHash":        hash,
		"safe":            result.Safe,
		"riskScore":       result.RiskScore,
		"reason":          result.Reason,
		"vulnerabilities": result.Vulnerabilities,
		"patterns":        result.Patterns,
		"behaviors":       result.Behaviors,
		"signature":       result.Signature,
		"analysisTimeMs":  result.AnalysisTimeMs,
	})
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	addr := fmt.Sprintf("%s:%d", bind, port)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		// When port is 0, the OS assigns a random port; return the actual port.
		actual := ln.Addr().(*net.TCPAddr).Port
		return ln, actual, nil
	}

	if !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		addr = fmt.Sprintf("%s:%d", bind, tryPort)
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return false
}

// Port returns the actual port the server is bound to.
func (s *Server) Port() int {
	return s.cfg.Server.Port
}

// Store returns the persistence layer for CLI queries.
func (s *Server) Store() *store.Store {
	return s.store
}

// Start begins listening. Blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("clawshield gateway starting",
		"addr", s.ln.Addr().String(),
		"upstream", s.cfg.Upstream.URL,
		"deep_scan", s.cfg.Firewall.DeepScan,
	)
	return s.srv.Serve(s.ln)
}

// Shutdown gracefully stops the server and flushes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	err := s.srv.Shutdown(ctx)
	if terr := s.telemetry.Shutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	if kerr := s.kv.Close(); kerr != nil && err == nil {
		err = kerr
	}
	if serr := s.store.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}
