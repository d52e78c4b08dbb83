package redis

import (
	"time"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

type allocationDoc struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	TotalCredits     int64     `json:"totalCredits"`
	RemainingCredits int64     `json:"remainingCredits"`
	AllocatedBy      string    `json:"allocatedBy"`
	AllocatedAt      time.Time `json:"allocatedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Notes            string    `json:"notes,omitempty"`
}

func newAllocationDoc(a *gocredit.CreditAllocation) allocationDoc {
	return allocationDoc{
		ID:               a.ID,
		UserID:           a.UserID,
		TotalCredits:     a.TotalCredits,
		RemainingCredits: a.RemainingCredits,
		AllocatedBy:      a.AllocatedBy,
		AllocatedAt:      a.AllocatedAt.UTC(),
		ExpiresAt:        a.ExpiresAt.UTC(),
		Notes:            a.Notes,
	}
}

func (d allocationDoc) allocation() *gocredit.CreditAllocation {
	return &gocredit.CreditAllocation{
		ID:               d.ID,
		UserID:           d.UserID,
		TotalCredits:     d.TotalCredits,
		RemainingCredits: d.RemainingCredits,
		AllocatedBy:      d.AllocatedBy,
		AllocatedAt:      d.AllocatedAt.UTC(),
		ExpiresAt:        d.ExpiresAt.UTC(),
		Notes:            d.Notes,
	}
}

type sessionDoc struct {
	SessionID        string     `json:"sessionId"`
	UserID           string     `json:"userId"`
	ModelID          string     `json:"modelId"`
	EstimatedCredits int64      `json:"estimatedCredits"`
	AllocatedCredits int64      `json:"allocatedCredits"`
	UsedCredits      int64      `json:"usedCredits"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

func newSessionDoc(s *gocredit.StreamingSession) sessionDoc {
	return sessionDoc{
		SessionID:        s.SessionID,
		UserID:           s.UserID,
		ModelID:          s.ModelID,
		EstimatedCredits: s.EstimatedCredits,
		AllocatedCredits: s.AllocatedCredits,
		UsedCredits:      s.UsedCredits,
		Status:           string(s.Status),
		StartedAt:        s.StartedAt.UTC(),
		CompletedAt:      s.CompletedAt,
	}
}

func (d sessionDoc) session() *gocredit.StreamingSession {
	s := &gocredit.StreamingSession{
		SessionID:        d.SessionID,
		UserID:           d.UserID,
		ModelID:          d.ModelID,
		EstimatedCredits: d.EstimatedCredits,
		AllocatedCredits: d.AllocatedCredits,
		UsedCredits:      d.UsedCredits,
		Status:           gocredit.SessionStatus(d.Status),
		StartedAt:        d.StartedAt.UTC(),
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		s.CompletedAt = &t
	}
	return s
}

type usageDoc struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Operation string                 `json:"operation"`
	Credits   int64                  `json:"credits"`
	Metadata  gocredit.UsageMetadata `json:"metadata"`
}

func newUsageDoc(r *gocredit.UsageRecord) usageDoc {
	return usageDoc{
		ID:        r.ID,
		UserID:    r.UserID,
		Timestamp: r.Timestamp.UTC(),
		Service:   r.Service,
		Operation: r.Operation,
		Credits:   r.Credits,
		Metadata:  r.Metadata,
	}
}

func (d usageDoc) record() *gocredit.UsageRecord {
	return &gocredit.UsageRecord{
		ID:        d.ID,
		UserID:    d.UserID,
		Timestamp: d.Timestamp.UTC(),
		Service:   d.Service,
		Operation: d.Operation,
		Credits:   d.Credits,
		Metadata:  d.Metadata,
	}
}
