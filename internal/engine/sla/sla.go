package sla

import (
	"fmt"
	"math"
	"strings"
	"time"

	"civicflow/internal/domain"
)

const (
	DefaultWarningFraction = 0.2
	DefaultHours           = 72
)

// Policy derives deadlines and classifies standing. A Policy is read-only
// once built and may be shared between goroutines.
type Policy struct {
	// DefaultHours applies to complaint types missing from TypeHours.
	DefaultHours float64
	// TypeHours is the base window for a MEDIUM priority complaint of each type.
	TypeHours map[string]float64
	// PriorityMultipliers scale the base window; missing priorities use 1.
	PriorityMultipliers map[domain.Priority]float64
	// Overrides pin an exact window for a type/priority pair.
	Overrides map[string]map[domain.Priority]float64
	// WarningFraction is the share of the window that, once remaining, flips
	// ON_TIME to WARNING.
	WarningFraction float64
	// ResetOnReopen restarts the window when a complaint is reopened.
	ResetOnReopen bool
}

// DefaultPolicy returns the seeded SLA table.
func DefaultPolicy() Policy {
	return Policy{
		DefaultHours: DefaultHours,
		TypeHours: map[string]float64{
			"WATER_SUPPLY":       48,
			"ELECTRICITY":        48,
			"SEWAGE":             48,
			"DRAINAGE":           72,
			"GARBAGE_COLLECTION": 72,
			"STREET_LIGHTING":    96,
			"ROAD_MAINTENANCE":   168,
			"PUBLIC_HEALTH":      48,
			"NOISE":              96,
			"OTHER":              120,
		},
		PriorityMultipliers: map[domain.Priority]float64{
			domain.PriorityCritical: 0.25,
			domain.PriorityHigh:     0.5,
			domain.PriorityMedium:   1,
			domain.PriorityLow:      2,
		},
		WarningFraction: DefaultWarningFraction,
		ResetOnReopen:   true,
	}
}

// Validate checks the table is usable.
func (p Policy) Validate() error {
	if p.DefaultHours <= 0 {
		return fmt.Errorf("sla default hours must be positive")
	}
	for t, h := range p.TypeHours {
		if h <= 0 {
			return fmt.Errorf("sla hours for type %s must be positive", t)
		}
	}
	for prio, m := range p.PriorityMultipliers {
		if !prio.Valid() {
			return fmt.Errorf("sla multiplier for unknown priority %s", prio)
		}
		if m <= 0 {
			return fmt.Errorf("sla multiplier for %s must be positive", prio)
		}
	}
	for t, byPrio := range p.Overrides {
		for prio, h := range byPrio {
			if !prio.Valid() {
				return fmt.Errorf("sla override %s has unknown priority %s", t, prio)
			}
			if h <= 0 {
				return fmt.Errorf("sla override %s/%s must be positive", t, prio)
			}
		}
	}
	if p.WarningFraction < 0 || p.WarningFraction >= 1 {
		return fmt.Errorf("sla warning fraction must be in [0,1)")
	}
	return nil
}

// Window returns the SLA duration for a type and priority.
func (p Policy) Window(complaintType string, priority domain.Priority) time.Duration {
	key := normalizeType(complaintType)
	if byPrio, ok := p.Overrides[key]; ok {
		if h, ok := byPrio[priority]; ok {
			return hours(h)
		}
	}
	base, ok := p.TypeHours[key]
	if !ok {
		base = p.DefaultHours
	}
	if base <= 0 {
		base = DefaultHours
	}
	mult, ok := p.PriorityMultipliers[priority]
	if !ok || mult <= 0 {
		mult = 1
	}
	return hours(base * mult)
}

// ComputeDeadline is evaluated once at registration and stored.
func (p Policy) ComputeDeadline(complaintType string, priority domain.Priority, createdAt time.Time) time.Time {
	return createdAt.Add(p.Window(complaintType, priority))
}

// Classify reports a complaint's standing at now.
func (p Policy) Classify(c domain.Complaint, now time.Time) domain.SlaStatus {
	return Classify(c.Status, c.Deadline, c.SLAWindow, now, p.WarningFraction)
}

// Classify is pure: completed work is never overdue, otherwise the result
// depends on how much of window remains before deadline.
func Classify(status domain.Status, deadline time.Time, window time.Duration, now time.Time, warningFraction float64) domain.SlaStatus {
	if status.Completed() {
		return domain.SlaCompleted
	}
	if now.After(deadline) {
		return domain.SlaOverdue
	}
	remaining := deadline.Sub(now)
	threshold := time.Duration(float64(window) * warningFraction)
	if remaining < threshold {
		return domain.SlaWarning
	}
	return domain.SlaOnTime
}

// Remaining returns time left until deadline, negative once overdue.
func Remaining(deadline, now time.Time) time.Duration {
	return deadline.Sub(now)
}

func hours(h float64) time.Duration {
	return time.Duration(math.Round(h * float64(time.Hour)))
}

func normalizeType(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// Standing is a complaint's SLA position at one instant.
type Standing struct {
	Status    domain.Status    `json:"status"`
	Deadline  time.Time        `json:"deadline"`
	SLAStatus domain.SlaStatus `json:"sla_status"`
	Remaining time.Duration    `json:"remaining"`
	Window    time.Duration    `json:"window"`
	At        time.Time        `json:"at"`
}

func (p Policy) Standing(c domain.Complaint, now time.Time) Standing {
	return Standing{
		Status:    c.Status,
		Deadline:  c.Deadline,
		SLAStatus: p.Classify(c, now),
		Remaining: Remaining(c.Deadline, now),
		Window:    c.SLAWindow,
		At:        now,
	}
}
