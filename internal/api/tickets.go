package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TicketStore holds CRM tickets
type TicketStore interface {
	Get(id string) (types.Ticket, bool)
	Put(ticket types.Ticket)
}

// MemoryTickets keeps tickets in process
type MemoryTickets struct {
	mu      sync.RWMutex
	tickets map[string]types.Ticket
}

func NewMemoryTickets() *MemoryTickets {
	return &MemoryTickets{tickets: make(map[string]types.Ticket)}
}

func (m *MemoryTickets) Get(id string) (types.Ticket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	return t, ok
}

func (m *MemoryTickets) Put(ticket types.Ticket) {
	m.mu.Lock()
	m.tickets[ticket.ID] = ticket
	m.mu.Unlock()
}

// TicketsHandler provides the ticket endpoints
type TicketsHandler struct {
	store  TicketStore
	logger zerolog.Logger
}

// NewTicketsHandler creates a new TicketsHandler
func NewTicketsHandler(store TicketStore, logger zerolog.Logger) *TicketsHandler {
	return &TicketsHandler{
		store:  store,
		logger: logger.With().Str("component", "tickets_api").Logger(),
	}
}

// Get handles GET /api/tickets/{id}
func (h *TicketsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ticket, ok := h.store.Get(id)
	if !ok {
		fail(w, http.StatusNotFound, "ticket not found")
		return
	}
	respond(w, ticket, "")
}

// Create handles POST /api/tickets
func (h *TicketsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject    string `json:"subject"`
		CustomerID string `json:"customerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Subject) == "" {
		fail(w, http.StatusBadRequest, "subject is required")
		return
	}

	ticket := types.Ticket{
		ID:         "T-" + strings.ToUpper(uuid.New().String()[:8]),
		Subject:    req.Subject,
		CustomerID: req.CustomerID,
		Status:     "open",
		CreatedAt:  time.Now().UTC(),
	}
	h.store.Put(ticket)

	h.logger.Info().Str("ticket_id", ticket.ID).Msg("ticket created")
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: ticket, Message: "ticket created"})
}
