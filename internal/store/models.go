package store

import "time"

// Procedure is one persisted procedure document. Payload holds the
// persistable JSON form of the document (no field uids); the scalar columns
// mirror it for listing and filtering.
type Procedure struct {
	ID            string
	EngagementID  string
	Title         string
	ProcedureType string
	Mode          string
	Status        string
	ReviewVersion int
	IsLocked      bool
	Payload       []byte
	UpdatedBy     string
	Revision      int64 // bumped on every save; updates carry the revision they read
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProcedureSummary is a Procedure without its payload.
type ProcedureSummary struct {
	ID            string
	EngagementID  string
	Title         string
	ProcedureType string
	Mode          string
	Status        string
	ReviewVersion int
	IsLocked      bool
	UpdatedBy     string
	UpdatedAt     time.Time
}

type ProcedureFilter struct {
	EngagementID  string
	ProcedureType string
	Status        string
	Limit         int
}

// ReviewEvent is one row of the append-only review trail.
type ReviewEvent struct {
	ID            int64
	ProcedureID   string
	Action        string
	ActorID       string
	ActorName     string
	Value         string
	ReviewVersion int
	CommitHash    string
	CreatedAt     time.Time
}

type ExportArchive struct {
	ID            int64
	ProcedureID   string
	ReviewVersion int
	Format        string
	ObjectKey     string
	SizeBytes     int64
	CreatedBy     string
	CreatedAt     time.Time
}
