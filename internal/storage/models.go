package storage

import (
	"time"

	"docpipeline/internal/document"
)

// KnowledgeBase groups documents that share one vector collection.
type KnowledgeBase struct {
	ID         string
	Name       string
	VectorSize int // 0 means the configured default
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// Version is one entry of a document's append-only version history.
type Version struct {
	Number     int       `json:"number"`
	Checksum   string    `json:"checksum"`
	ChunkCount int       `json:"chunk_count"`
	Status     string    `json:"status"`
	ReplacedAt time.Time `json:"replaced_at"`
}

// Document is a file that logically belongs to a knowledge base.
type Document struct {
	ID              string
	KnowledgeBaseID string
	Filename        string
	StorageKey      string // object store key of the original bytes
	Status          document.Status
	ChunkCount      int
	RetryCount      int
	Checksum        string // SHA256 hex string of the content
	VersionNumber   int
	VersionHistory  []Version
	Progress        document.Progress

	// ProcessingRunID fences a processing run: writes from a run whose id no
	// longer matches the row are rejected.
	ProcessingRunID       string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	LastError             string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
	ArchivedAt *time.Time
}

// Deleted reports whether the document has been soft-deleted.
func (d *Document) Deleted() bool {
	return d.DeletedAt != nil
}

// Aggregate types recorded on outbox events.
const (
	AggregateDocument      = "document"
	AggregateKnowledgeBase = "knowledge_base"
)

// OutboxEvent is a durable record of a fact that must eventually be acted upon.
type OutboxEvent struct {
	ID             string
	EventType      string
	AggregateID    string
	AggregateType  string
	Payload        []byte // JSON
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	Attempts       int
	LastError      string
	DeadLetteredAt *time.Time // set when the row was closed without a successful run
	LockedBy       string
	LockedUntil    *time.Time
}

// NewOutboxEvent is the caller-supplied part of an outbox row.
type NewOutboxEvent struct {
	EventType     string
	AggregateID   string
	AggregateType string
	Payload       any // marshalled to JSON; nil stores {}
}

// OutboxStats summarises the outbox table.
type OutboxStats struct {
	Pending      int
	Processed    int
	DeadLettered int
	Leased       int
}
