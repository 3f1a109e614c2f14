// model.go defines the persisted resolution audit log
package datastore

import "time"

// Resolution is one row of the resolution log, written when an entity is resolved
type Resolution struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	EntityID       int       `gorm:"index:idx_resolutions_entity;not null" json:"entity_id"`
	Operator       string    `gorm:"size:100;not null" json:"operator"`
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lon"`
	FinalSignal    int       `json:"final_signal"`
	UpdateCount    int       `json:"update_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	ResolvedAt     time.Time `gorm:"index:idx_resolutions_resolved_at" json:"resolved_at"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	Note           string    `gorm:"size:500" json:"note,omitempty"` // note given with the resolve command
	Notes          string    `gorm:"type:text" json:"notes"`         // full audit trail at resolution time
	CreatedAt      time.Time `json:"created_at"`
}
