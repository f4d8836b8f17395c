package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clawshield/clawshield/internal/firewall"
	"github.com/clawshield/clawshield/internal/metrics"
)

// errorFrame is sent back to the agent when a message is denied. One
// deny is not a disconnect.
type errorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// WSGateway proxies one client WebSocket to one upstream WebSocket,
// inspecting every inbound frame before forwarding it. The next
// frame is not read until the current inspection has returned, which
// delivers inbound backpressure naturally.
type WSGateway struct {
	upstream       *url.URL
	fw             *firewall.Firewall
	metrics        *metrics.Metrics
	logger         *slog.Logger
	maxConnsPerIP  int
	maxMessageSize int64

	mu       sync.Mutex
	connsPer map[string]int
}

func NewWSGateway(upstream *url.URL, fw *firewall.Firewall, m *metrics.Metrics, maxConnsPerIP int, maxMessageSize int64, logger *slog.Logger) *WSGateway {
	if maxConnsPerIP <= 0 {
		maxConnsPerIP = 5
	}
	if maxMessageSize <= 0 {
		maxMessageSize = 1 << 20
	}
	return &WSGateway{
		upstream:       upstream,
		fw:             fw,
		metrics:        m,
		logger:         logger.With("component", "ws"),
		maxConnsPerIP:  maxConnsPerIP,
		maxMessageSize: maxMessageSize,
		connsPer:       make(map[string]int),
	}
}

// acquire reserves a connection slot for the IP, false when the
// per-IP limit is reached.
func (g *WSGateway) acquire(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connsPer[ip] >= g.maxConnsPerIP {
		return false
	}
	g.connsPer[ip]++
	return true
}

func (g *WSGateway) release(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connsPer[ip] <= 1 {
		delete(g.connsPer, ip)
	} else {
		g.connsPer[ip]--
	}
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	agentID := AgentID(r.Header)

	if !g.acquire(ip) {
		g.logger.Warn("connection limit reached", "ip", ip)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "too many connections from this address",
		})
		return
	}
	defer g.release(ip)

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // gateway fronts arbitrary agent origins
	})
	if err != nil {
		g.logger.Error("websocket accept failed", "error", err, "ip", ip)
		return
	}
	defer clientConn.CloseNow()

	upstreamURL := *g.upstream
	switch upstreamURL.Scheme {
	case "https":
		upstreamURL.Scheme = "wss"
	default:
		upstreamURL.Scheme = "ws"
	}
	upstreamURL.Path = singleJoin(g.upstream.Path, r.URL.Path)
	upstreamURL.RawQuery = r.URL.RawQuery

	ctx := r.Context()
	upstreamConn, _, err := websocket.Dial(ctx, upstreamURL.String(), &websocket.DialOptions{
		HTTPHeader: upstreamHeaders(r),
	})
	if err != nil {
		g.logger.Error("upstream dial failed", "error", err, "url", upstreamURL.String())
		clientConn.Close(websocket.StatusInternalError, "upstream connection failed")
		return
	}
	defer upstreamConn.CloseNow()

	clientConn.SetReadLimit(g.maxMessageSize)
	upstreamConn.SetReadLimit(g.maxMessageSize)

	if agentID != "" {
		g.fw.RegisterAgent(agentID, firewall.AgentContext{
			PeerIP:      ip,
			ConnectedAt: time.Now(),
		})
		defer g.fw.UnregisterAgent(agentID)
	}
	if g.metrics != nil {
		g.metrics.WebSocketConns.Inc()
		defer g.metrics.WebSocketConns.Dec()
	}
	g.logger.Info("websocket connected", "agent_id", agentID, "ip", ip)

	proxyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		g.inspectAndForward(proxyCtx, clientConn, upstreamConn, agentID)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		passthrough(proxyCtx, upstreamConn, clientConn)
	}()
	wg.Wait()

	g.logger.Info("websocket closed", "agent_id", agentID, "ip", ip)
}

// inspectAndForward reads inbound frames, inspects each one, and
// forwards allowed ones upstream. Denied frames turn into an error
// frame back to the client; the connection stays open.
func (g *WSGateway) inspectAndForward(ctx context.Context, client, upstream *websocket.Conn, agentID string) {
	for {
		msgType, data, err := client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				g.logger.Debug("client read error", "error", err, "agent_id", agentID)
			}
			return
		}

		// Binary frames go through the same pipeline; a frame that is
		// not a valid message is denied, never forwarded uninspected.
		result := g.fw.InspectMessage(ctx, agentID, data)
		if !result.Allowed {
			if g.metrics != nil {
				g.metrics.RequestsTotal.WithLabelValues("blocked").Inc()
			}
			frame := errorFrame{
				Type:   "error",
				Error:  "Message blocked by firewall",
				Reason: result.Reason,
			}
			if err := writeWSJSON(ctx, client, frame); err != nil {
				g.logger.Debug("error frame write failed", "error", err)
				return
			}
			continue
		}

		if err := upstream.Write(ctx, msgType, data); err != nil {
			g.logger.Debug("upstream write failed", "error", err, "agent_id", agentID)
			return
		}
	}
}

// passthrough copies frames without inspection. Outbound traffic is
// scrubbed at the HTTP surface; WebSocket responses pass as-is.
func passthrough(ctx context.Context, src, dst *websocket.Conn) {
	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			return
		}
		if err := dst.Write(ctx, msgType, data); err != nil {
			return
		}
	}
}

func writeWSJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func upstreamHeaders(r *http.Request) http.Header {
	h := http.Header{}
	if id := AgentID(r.Header); id != "" {
		h.Set("x-agent-id", id)
	}
	h.Set(inspectedHeader, "true")
	return h
}
