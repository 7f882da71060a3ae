package outbox

import (
	"encoding/json"
	"fmt"

	"docpipeline/internal/storage"
)

// Event types carried by outbox rows.
const (
	EventDocumentProcess     = "document.process"
	EventDocumentReprocess   = "document.reprocess"
	EventDocumentDelete      = "document.delete"
	EventKnowledgeBaseDelete = "kb.delete"
)

// DocumentPayload is the payload of every document.* event.
type DocumentPayload struct {
	DocumentID      string `json:"document_id"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	Reason          string `json:"reason,omitempty"`
}

// KnowledgeBasePayload is the payload of kb.delete.
type KnowledgeBasePayload struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
}

// DocumentEvent builds an outbox row about a document.
func DocumentEvent(eventType, documentID, kbID, reason string) storage.NewOutboxEvent {
	return storage.NewOutboxEvent{
		EventType:     eventType,
		AggregateID:   documentID,
		AggregateType: storage.AggregateDocument,
		Payload:       DocumentPayload{DocumentID: documentID, KnowledgeBaseID: kbID, Reason: reason},
	}
}

// KnowledgeBaseDeleteEvent builds the kb.delete outbox row.
func KnowledgeBaseDeleteEvent(kbID string) storage.NewOutboxEvent {
	return storage.NewOutboxEvent{
		EventType:     EventKnowledgeBaseDelete,
		AggregateID:   kbID,
		AggregateType: storage.AggregateKnowledgeBase,
		Payload:       KnowledgeBasePayload{KnowledgeBaseID: kbID},
	}
}

// DecodeDocumentPayload reads a DocumentPayload, falling back to the aggregate
// id when the payload omits the document id.
func DecodeDocumentPayload(ev *storage.OutboxEvent) (DocumentPayload, error) {
	var p DocumentPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return p, fmt.Errorf("failed to decode document payload: %w", err)
		}
	}
	if p.DocumentID == "" {
		p.DocumentID = ev.AggregateID
	}
	return p, nil
}

// DecodeKnowledgeBasePayload reads a KnowledgeBasePayload, falling back to the aggregate id.
func DecodeKnowledgeBasePayload(ev *storage.OutboxEvent) (KnowledgeBasePayload, error) {
	var p KnowledgeBasePayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return p, fmt.Errorf("failed to decode knowledge base payload: %w", err)
		}
	}
	if p.KnowledgeBaseID == "" {
		p.KnowledgeBaseID = ev.AggregateID
	}
	return p, nil
}
