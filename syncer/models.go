package syncer

import "time"

type EventKind string

const (
	KindWork     EventKind = "WORK"
	KindAbsence  EventKind = "ABSENCE"
	KindActivity EventKind = "ACTIVITY"
)

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "CREATED"
	ChangeModified ChangeKind = "MODIFIED"
	ChangeDeleted  ChangeKind = "DELETED"
)

const (
	JobIngest  = "ingest"
	JobProject = "project"
	JobNotify  = "notify"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// RawEntry is one schedule item as reported by the source for one
// occurrence. It only lives for the duration of a single ingest pass.
type RawEntry struct {
	Kind        EventKind
	Start       time.Time
	End         time.Time
	AllDay      bool
	Label       string
	Description string
}

// CanonicalEvent is the merged, authoritative representation of a time
// slot after precedence resolution. Fingerprint is content-derived
// (kind, rounded times, normalized label), so re-ingesting unchanged
// source data yields the same row identity.
type CanonicalEvent struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	Fingerprint string    `gorm:"uniqueIndex;size:64" json:"fingerprint"`
	Kind        EventKind `gorm:"index;size:16" json:"kind"`
	StartTime   time.Time `gorm:"index" json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	AllDay      bool      `json:"all_day"`
	Label       string    `gorm:"size:512" json:"label"`
	Description string    `gorm:"type:text" json:"description"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// SyncMapping links a CanonicalEvent fingerprint to the remote calendar
// entry last pushed for it. Owned exclusively by the projector.
// An ExternalID is never reused for a different fingerprint while the
// mapping exists.
type SyncMapping struct {
	ID                uint      `gorm:"primaryKey"`
	Fingerprint       string    `gorm:"uniqueIndex;size:64"`
	ExternalID        string    `gorm:"uniqueIndex;size:128"`
	PushedContentHash string    `gorm:"size:64"`
	UpdatedAt         time.Time
}

// ChangeRecord is one detected transition between two ingests.
// BeforeJSON/AfterJSON hold CanonicalEvent snapshots. Only the
// dispatcher flips Notified, and only after a confirmed send.
type ChangeRecord struct {
	ID          uint       `gorm:"primaryKey"`
	Fingerprint string     `gorm:"index;size:64"`
	ChangeKind  ChangeKind `gorm:"index;size:16"`
	BeforeJSON  string     `gorm:"type:text"`
	AfterJSON   string     `gorm:"type:text"`
	DetectedAt  time.Time  `gorm:"index"`
	Notified    bool       `gorm:"index"`
	NotifiedAt  *time.Time
	NotifyError string `gorm:"type:text"`
}

// JobRun is the append-only audit record for one phase invocation.
type JobRun struct {
	ID           uint      `gorm:"primaryKey"`
	JobName      string    `gorm:"index;size:32"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   *time.Time
	Status       string `gorm:"index;size:16"`
	ItemCount    int
	ErrorMessage string `gorm:"type:text"`
}

// Setting is durable key/value runtime state (snapshot marker, last
// fetch time).
type Setting struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
