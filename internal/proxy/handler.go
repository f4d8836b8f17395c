package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawshield/clawshield/internal/firewall"
	"github.com/clawshield/clawshield/internal/metrics"
	"github.com/clawshield/clawshield/internal/scrub"
	"github.com/clawshield/clawshield/internal/store"
)

const (
	threatScoreHeader = "x-clawshield-threat-score"
	inspectedHeader   = "x-clawshield-inspected"
)

// blockedEnvelope is the stable 403 body returned on deny.
type blockedEnvelope struct {
	Error       string `json:"error"`
	Reason      string `json:"reason"`
	ThreatLevel string `json:"threatLevel"`
}

// Handler is the inline reverse proxy: every request is inspected by
// the firewall before it reaches the upstream agent host, and every
// response is scrubbed on the way back.
type Handler struct {
	upstream  *url.URL
	fw        *firewall.Firewall
	threats   ThreatSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	transport http.RoundTripper
	maxBody   int64
}

// ThreatSink receives threats the proxy itself detects, such as
// credential leaks in scrubbed responses.
type ThreatSink interface {
	RecordThreat(t store.Threat)
}

func NewHandler(upstream *url.URL, fw *firewall.Firewall, threats ThreatSink, m *metrics.Metrics, maxBody int64, logger *slog.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		upstream: upstream,
		fw:       fw,
		threats:  threats,
		metrics:  m,
		logger:   logger.With("component", "proxy"),
		transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
		maxBody: maxBody,
	}
}

// AgentID extracts the agent identifier from the request headers.
// x-agent-id wins over x-clawshield-agent-id.
func AgentID(h http.Header) string {
	if id := h.Get("x-agent-id"); id != "" {
		return id
	}
	return h.Get("x-clawshield-agent-id")
}

// ClientIP returns the originating client address, honoring
// x-forwarded-for when the gateway is itself behind a proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body []byte
	if r.Body != nil {
		limited := io.LimitReader(r.Body, h.maxBody+1)
		var err error
		body, err = io.ReadAll(limited)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
			return
		}
		_ = r.Body.Close()
		if int64(len(body)) > h.maxBody {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}

	result := h.fw.InspectRequest(r.Context(), firewall.RequestInput{
		AgentID: AgentID(r.Header),
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    string(body),
		Headers: headers,
		IP:      ClientIP(r),
	})
	if h.metrics != nil {
		h.metrics.InspectionDuration.Observe(time.Since(start).Seconds())
	}

	if !result.Allowed {
		if h.metrics != nil {
			h.metrics.RequestsTotal.WithLabelValues("blocked").Inc()
		}
		writeJSON(w, http.StatusForbidden, blockedEnvelope{
			Error:       "Request blocked by firewall",
			Reason:      result.Reason,
			ThreatLevel: result.ThreatLevel,
		})
		return
	}

	h.forward(w, r, body, result)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, body []byte, result firewall.InspectionResult) {
	target := *h.upstream
	target.Path = singleJoin(h.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), strings.NewReader(string(body)))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create upstream request"})
		return
	}

	copyHeaders(outReq.Header, r.Header)
	outReq.ContentLength = int64(len(body))
	outReq.Header.Set(requestIDHeader, RequestIDFrom(r.Context()))
	outReq.Header.Set(inspectedHeader, "true")
	if result.ThreatScore != nil {
		outReq.Header.Set(threatScoreHeader, fmt.Sprintf("%.4f", *result.ThreatScore))
	}

	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		h.logger.Error("upstream request failed", "error", err, "path", r.URL.Path)
		if h.metrics != nil {
			h.metrics.RequestsTotal.WithLabelValues("upstream_error").Inc()
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to read upstream response"})
		return
	}

	h.scrubResponse(r, resp, respBody)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(inspectedHeader, "true")
	if result.ThreatScore != nil {
		w.Header().Set(threatScoreHeader, fmt.Sprintf("%.4f", *result.ThreatScore))
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)

	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues("allowed").Inc()
	}
}

// scrubResponse inspects the upstream response for leaked credentials
// and disclosure issues. Findings are logged; credential leaks are
// also persisted as threats.
func (h *Handler) scrubResponse(r *http.Request, resp *http.Response, body []byte) {
	issues := scrub.Scan(resp.StatusCode, resp.Header, string(body))
	for _, issue := range issues {
		h.logger.Warn("response issue",
			"type", issue.Type,
			"severity", issue.Severity,
			"detail", issue.Detail,
			"path", r.URL.Path)
		if issue.Type == scrub.IssueCredentialLeak && h.threats != nil {
			h.threats.RecordThreat(store.Threat{
				AgentID:   AgentID(r.Header),
				Type:      firewall.ThreatCredentialLeak,
				Severity:  "critical",
				Details:   map[string]any{"detail": issue.Detail, "path": r.URL.Path},
				CreatedAt: time.Now(),
			})
			if h.metrics != nil {
				h.metrics.ThreatsTotal.WithLabelValues(firewall.ThreatCredentialLeak).Inc()
			}
		}
	}
}

// copyHeaders copies HTTP headers, skipping hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	hop := map[string]bool{
		"Connection":          true,
		"Keep-Alive":          true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Te":                  true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
	}
	for k, vv := range src {
		if hop[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case b == "":
		return a
	}
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent; the status code cannot change.
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}
