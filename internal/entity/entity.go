// Package entity defines the tracked beacon record and the telemetry that updates it.
package entity

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the operator-facing lifecycle state of an entity
type Status string

const (
	// StatusActive is the initial state of every new entity
	StatusActive Status = "ACTIVE"
	// StatusInProgress means an operator is working on the entity
	StatusInProgress Status = "IN_PROGRESS"
	// StatusResolved is terminal
	StatusResolved Status = "RESOLVED"
)

// Statuses lists all statuses in lifecycle order
var Statuses = []Status{StatusActive, StatusInProgress, StatusResolved}

// ParseStatus normalizes a case-insensitive status token
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusActive, StatusInProgress, StatusResolved:
		return st, true
	default:
		return "", false
	}
}

// HistoryCapacity bounds Record.SignalHistory
const HistoryCapacity = 20

// NoteTimeLayout is the timestamp layout used in audit notes
const NoteTimeLayout = "2006-01-02 15:04:05"

// Telemetry is one decoded and validated inbound measurement
type Telemetry struct {
	ID        int     `json:"ID"`
	Latitude  float64 `json:"LAT"`
	Longitude float64 `json:"LON"`
	RSSI      int     `json:"RSSI"`
	Battery   *int    `json:"BATTERY,omitempty"`
	Status    Status  `json:"STATUS,omitempty"` // as reported by the beacon, empty if absent
}

// Record is the authoritative state of one entity
type Record struct {
	ID             int        `json:"id"`
	Latitude       float64    `json:"lat"`
	Longitude      float64    `json:"lon"`
	Signal         int        `json:"signal"`
	SignalHistory  []int      `json:"signal_history"`
	Status         Status     `json:"status"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	ResolvedBy     *string    `json:"resolved_by"`
	UpdateCount    int        `json:"update_count"`
	Notes          string     `json:"notes"`
	Battery        *int       `json:"battery,omitempty"`
	ReportedStatus Status     `json:"reported_status,omitempty"`
}

// NewRecord creates an ACTIVE record from the first telemetry seen for an id
func NewRecord(t Telemetry, now time.Time) *Record {
	r := &Record{
		ID:             t.ID,
		Latitude:       t.Latitude,
		Longitude:      t.Longitude,
		Signal:         t.RSSI,
		SignalHistory:  make([]int, 0, HistoryCapacity),
		Status:         StatusActive,
		FirstSeen:      now,
		LastSeen:       now,
		UpdateCount:    1,
		ReportedStatus: t.Status,
	}
	r.SignalHistory = append(r.SignalHistory, t.RSSI)
	if t.Battery != nil {
		b := *t.Battery
		r.Battery = &b
	}
	return r
}

// Apply merges a later telemetry reading. Status is never touched.
func (r *Record) Apply(t Telemetry, now time.Time) {
	r.Latitude = t.Latitude
	r.Longitude = t.Longitude
	r.Signal = t.RSSI
	if now.After(r.LastSeen) {
		r.LastSeen = now
	}
	r.UpdateCount++
	r.PushSignal(t.RSSI)
	if t.Battery != nil {
		b := *t.Battery
		r.Battery = &b
	}
	if t.Status != "" {
		r.ReportedStatus = t.Status
	}
}

// PushSignal appends a reading, evicting the oldest beyond HistoryCapacity
func (r *Record) PushSignal(rssi int) {
	if len(r.SignalHistory) >= HistoryCapacity {
		drop := len(r.SignalHistory) - HistoryCapacity + 1
		r.SignalHistory = slices.Delete(r.SignalHistory, 0, drop)
	}
	r.SignalHistory = append(r.SignalHistory, rssi)
}

// AppendNote adds a timestamped audit entry
func (r *Record) AppendNote(at time.Time, operator, text string) {
	entry := fmt.Sprintf("[%s] %s: %s", at.Format(NoteTimeLayout), operator, text)
	if r.Notes == "" {
		r.Notes = entry
		return
	}
	r.Notes += "\n" + entry
}

// IsActive reports whether the entity still needs attention
func (r *Record) IsActive() bool {
	return r.Status != StatusResolved
}

// Clone returns a deep copy safe to hand outside the store
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.SignalHistory = slices.Clone(r.SignalHistory)
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		c.ResolvedAt = &at
	}
	if r.ResolvedBy != nil {
		by := *r.ResolvedBy
		c.ResolvedBy = &by
	}
	if r.Battery != nil {
		b := *r.Battery
		c.Battery = &b
	}
	return &c
}
