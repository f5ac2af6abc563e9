// Package metrics counts signaling connections, calls and HTTP requests of
// the call-control server.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics holds all server metrics
type Metrics struct {
	mu sync.RWMutex

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	WebSocketErrorsTotal         int64
	RateLimitedTotal             int64
	activeConnections            int64

	// Call metrics
	CallsCreatedTotal  int64
	CallsQueuedTotal   int64
	CallsAnsweredTotal int64
	CallsFailedTotal   int64
	callsEndedByReason map[string]int64
	mediaRelayed       map[string]int64 // event -> count

	// HTTP metrics
	httpRequestsTotal map[string]map[int]int64 // endpoint -> status -> count

	startTime time.Time
}

// New creates an empty metrics set
func New() *Metrics {
	return &Metrics{
		callsEndedByReason: make(map[string]int64),
		mediaRelayed:       make(map[string]int64),
		httpRequestsTotal:  make(map[string]map[int]int64),
		startTime:          time.Now(),
	}
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() {
	m.mu.Lock()
	m.WebSocketMessagesTotal++
	m.mu.Unlock()
}

// RecordWebSocketError increments WebSocket error counter
func (m *Metrics) RecordWebSocketError() {
	m.mu.Lock()
	m.WebSocketErrorsTotal++
	m.mu.Unlock()
}

// RecordRateLimited counts a dropped inbound message
func (m *Metrics) RecordRateLimited() {
	m.mu.Lock()
	m.RateLimitedTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordCallCreated() {
	m.mu.Lock()
	m.CallsCreatedTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordCallQueued() {
	m.mu.Lock()
	m.CallsQueuedTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordCallAnswered() {
	m.mu.Lock()
	m.CallsAnsweredTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordCallFailed() {
	m.mu.Lock()
	m.CallsFailedTotal++
	m.mu.Unlock()
}

// RecordCallEnded counts an ended call by reason
func (m *Metrics) RecordCallEnded(reason string) {
	m.mu.Lock()
	m.callsEndedByReason[reason]++
	m.mu.Unlock()
}

// RecordMediaRelay counts a relayed negotiation message
func (m *Metrics) RecordMediaRelay(event string) {
	m.mu.Lock()
	m.mediaRelayed[event]++
	m.mu.Unlock()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpRequestsTotal[endpoint] == nil {
		m.httpRequestsTotal[endpoint] = make(map[int]int64)
	}
	m.httpRequestsTotal[endpoint][statusCode]++
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// Snapshot is the JSON view of the counters
type Snapshot struct {
	UptimeSeconds      float64          `json:"uptimeSeconds"`
	ActiveConnections  int64            `json:"activeConnections"`
	ConnectionsTotal   int64            `json:"connectionsTotal"`
	DisconnectsTotal   int64            `json:"disconnectsTotal"`
	MessagesTotal      int64            `json:"messagesTotal"`
	ErrorsTotal        int64            `json:"errorsTotal"`
	RateLimitedTotal   int64            `json:"rateLimitedTotal"`
	CallsCreatedTotal  int64            `json:"callsCreatedTotal"`
	CallsQueuedTotal   int64            `json:"callsQueuedTotal"`
	CallsAnsweredTotal int64            `json:"callsAnsweredTotal"`
	CallsFailedTotal   int64            `json:"callsFailedTotal"`
	CallsEndedByReason map[string]int64 `json:"callsEndedByReason"`
	MediaRelayed       map[string]int64 `json:"mediaRelayed"`
}

// Snapshot copies the current counters
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		UptimeSeconds:      time.Since(m.startTime).Seconds(),
		ActiveConnections:  m.activeConnections,
		ConnectionsTotal:   m.WebSocketConnectionsTotal,
		DisconnectsTotal:   m.WebSocketDisconnectionsTotal,
		MessagesTotal:      m.WebSocketMessagesTotal,
		ErrorsTotal:        m.WebSocketErrorsTotal,
		RateLimitedTotal:   m.RateLimitedTotal,
		CallsCreatedTotal:  m.CallsCreatedTotal,
		CallsQueuedTotal:   m.CallsQueuedTotal,
		CallsAnsweredTotal: m.CallsAnsweredTotal,
		CallsFailedTotal:   m.CallsFailedTotal,
		CallsEndedByReason: make(map[string]int64, len(m.callsEndedByReason)),
		MediaRelayed:       make(map[string]int64, len(m.mediaRelayed)),
	}
	for k, v := range m.callsEndedByReason {
		s.CallsEndedByReason[k] = v
	}
	for k, v := range m.mediaRelayed {
		s.MediaRelayed[k] = v
	}
	return s
}

// JSONHandler serves the snapshot as JSON
func (m *Metrics) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	}
}

// Handler returns an HTTP handler for the /metrics endpoint in text exposition format
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("callcore_uptime_seconds", time.Since(m.startTime).Seconds())

		write("callcore_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("callcore_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("callcore_websocket_active_connections", m.activeConnections)
		write("callcore_websocket_messages_total", m.WebSocketMessagesTotal)
		write("callcore_websocket_errors_total", m.WebSocketErrorsTotal)
		write("callcore_websocket_rate_limited_total", m.RateLimitedTotal)

		write("callcore_calls_created_total", m.CallsCreatedTotal)
		write("callcore_calls_queued_total", m.CallsQueuedTotal)
		write("callcore_calls_answered_total", m.CallsAnsweredTotal)
		write("callcore_calls_failed_total", m.CallsFailedTotal)
		for _, reason := range sortedKeys(m.callsEndedByReason) {
			write("callcore_calls_ended_total", m.callsEndedByReason[reason], "reason", reason)
		}
		for _, event := range sortedKeys(m.mediaRelayed) {
			write("callcore_media_relayed_total", m.mediaRelayed[event], "event", event)
		}

		for endpoint, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("callcore_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
