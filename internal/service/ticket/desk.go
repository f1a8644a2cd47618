package ticket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
)

// Categories accepted by the desk.
var Categories = []string{"General", "Complaint", "Suggestion", "Technical"}

// Priorities accepted by the desk.
var Priorities = []string{"Low", "Medium", "High"}

// Status values a ticket moves through.
const (
	StatusNew        = "New"
	StatusInReview   = "In Review"
	StatusProcessing = "Processing"
	StatusApproval   = "Approval"
	StatusCompleted  = "Completed"
)

// Service is the external ticketing collaborator consumed by the engine.
type Service interface {
	CreateTicket(ctx context.Context, category, description, priority string) (string, error)
	CheckStatus(ctx context.Context, ref string) (string, error)
}

// Ticket is one support ticket held by the in-memory desk.
type Ticket struct {
	Ref         string
	Category    string
	Description string
	Priority    string
	Status      string
	CreatedAt   time.Time
}

// MemoryDesk keeps tickets in process memory.
type MemoryDesk struct {
	mu      sync.RWMutex
	next    int
	tickets map[string]*Ticket
}

// NewMemoryDesk creates an empty desk. Refs start at TKT-1001.
func NewMemoryDesk() *MemoryDesk {
	return &MemoryDesk{next: 1000, tickets: make(map[string]*Ticket)}
}

var _ Service = (*MemoryDesk)(nil)

// CreateTicket files a ticket and returns its reference.
func (d *MemoryDesk) CreateTicket(_ context.Context, category, description, priority string) (string, error) {
	category, ok := canonical(category, Categories)
	if !ok {
		return "", chat.Validationf("unknown ticket category %q", category)
	}
	if strings.TrimSpace(priority) == "" {
		priority = "Medium"
	}
	priority, ok = canonical(priority, Priorities)
	if !ok {
		return "", chat.Validationf("unknown ticket priority %q", priority)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	ref := fmt.Sprintf("TKT-%d", d.next)
	d.tickets[ref] = &Ticket{
		Ref:         ref,
		Category:    category,
		Description: strings.TrimSpace(description),
		Priority:    priority,
		Status:      StatusNew,
		CreatedAt:   time.Now().UTC(),
	}
	return ref, nil
}

// CheckStatus reports the current status of a ticket.
func (d *MemoryDesk) CheckStatus(_ context.Context, ref string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ticket, ok := d.tickets[strings.ToUpper(strings.TrimSpace(ref))]
	if !ok {
		return "", fmt.Errorf("ticket %s %w", ref, chat.ErrNotFound)
	}
	return ticket.Status, nil
}

// SetStatus moves a ticket along; used by back-office tooling and tests.
func (d *MemoryDesk) SetStatus(ref, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ticket, ok := d.tickets[ref]
	if !ok {
		return fmt.Errorf("ticket %s %w", ref, chat.ErrNotFound)
	}
	ticket.Status = status
	return nil
}

func canonical(value string, allowed []string) (string, bool) {
	value = strings.TrimSpace(value)
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, value) {
			return candidate, true
		}
	}
	return value, false
}
