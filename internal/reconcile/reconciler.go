// Package reconcile periodically compares the relational store with the vector
// and object stores and repairs the drift it finds.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/document"
	"docpipeline/internal/outbox"
	"docpipeline/internal/schedule"
	"docpipeline/internal/storage"
)

// Kind names an anomaly.
type Kind string

const (
	KindMissingVectors  Kind = "missing_vectors"
	KindStaleProcessing Kind = "stale_processing"
	KindOrphanedVectors Kind = "orphaned_vectors"
	KindOrphanedObjects Kind = "orphaned_objects"
)

// Action is what the reconciler did about an anomaly.
type Action string

const (
	ActionReprocessEnqueued Action = "reprocess_enqueued"
	ActionAlreadyPending    Action = "already_pending"
	ActionRequeued          Action = "requeued"
	ActionMarkedFailed      Action = "marked_failed"
	ActionVectorsDeleted    Action = "vectors_deleted"
	ActionLogged            Action = "logged"
	ActionSkipped           Action = "skipped"
	ActionError             Action = "error"
)

// Finding is one anomaly and the action taken for it.
type Finding struct {
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	DocumentID      string `json:"document_id"`
	Kind            Kind   `json:"kind"`
	Action          Action `json:"action"`
	Detail          string `json:"detail,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Failure is a check that could not run. The scan carries on after one.
type Failure struct {
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	Check           string `json:"check"`
	Error           string `json:"error"`
}

// Report summarises one reconciliation pass.
type Report struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	KnowledgeBases int       `json:"knowledge_bases"`
	Findings       []Finding `json:"findings"`
	Failures       []Failure `json:"failures"`
}

// Count returns how many findings have the given kind.
func (r *Report) Count(kind Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Vectors is the vector store view the reconciler needs.
type Vectors interface {
	CountDocumentVectors(ctx context.Context, kbID, documentID string) (int, error)
	ListDocumentIDs(ctx context.Context, kbID string) ([]string, error)
	DeleteDocumentVectors(ctx context.Context, kbID, documentID string) error
}

// Objects is the object store view the reconciler needs.
type Objects interface {
	ListDocumentPrefixes(ctx context.Context) ([]string, error)
}

// Config holds reconciler settings.
type Config struct {
	Interval          time.Duration
	ProcessingTimeout time.Duration
	MaxRetries        int
}

// Reconciler scans every active knowledge base for drift between stores.
type Reconciler struct {
	store   *storage.Store
	vectors Vectors
	objects Objects
	cfg     Config
	now     func() time.Time
}

// New creates a Reconciler.
func New(store *storage.Store, vectors Vectors, objects Objects, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Reconciler{
		store:   store,
		vectors: vectors,
		objects: objects,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Loop returns the periodic reconciliation loop.
func (r *Reconciler) Loop() *schedule.Loop {
	return &schedule.Loop{
		Name:     "reconciler",
		Interval: r.cfg.Interval,
		Fn: func(ctx context.Context) error {
			rep := r.Run(ctx)
			if len(rep.Failures) > 0 {
				return fmt.Errorf("reconciliation finished with %d failed checks", len(rep.Failures))
			}
			return nil
		},
	}
}

// Run performs one full pass. It never stops early because one knowledge base
// or one check failed; those failures are listed in the report.
func (r *Reconciler) Run(ctx context.Context) *Report {
	logger := contextutil.LoggerFromContext(ctx)
	rep := &Report{StartedAt: r.now()}
	start := time.Now()

	kbs, err := r.store.KnowledgeBases.ListActive(ctx)
	if err != nil {
		rep.fail("", "list_knowledge_bases", err)
	}
	rep.KnowledgeBases = len(kbs)

	for _, kb := range kbs {
		if ctx.Err() != nil {
			break
		}
		kctx := contextutil.WithAttrs(ctx, "knowledge_base_id", kb.ID)
		r.checkMissingVectors(kctx, rep, kb.ID)
		r.checkStaleProcessing(kctx, rep, kb.ID)
		r.checkOrphanedVectors(kctx, rep, kb.ID)
	}
	if ctx.Err() == nil {
		r.checkOrphanedObjects(ctx, rep)
	}

	rep.FinishedAt = r.now()
	runDuration.Observe(time.Since(start).Seconds())
	lastRun.SetToCurrentTime()
	for _, f := range rep.Failures {
		checkFailuresTotal.WithLabelValues(f.Check).Inc()
	}

	logger.InfoContext(ctx, "reconciliation finished",
		"knowledge_bases", rep.KnowledgeBases,
		"findings", len(rep.Findings),
		"failures", len(rep.Failures),
		"duration", time.Since(start))
	return rep
}

// checkMissingVectors finds READY documents with chunks but no points and
// enqueues a reprocess for each, unless one is already waiting.
func (r *Reconciler) checkMissingVectors(ctx context.Context, rep *Report, kbID string) {
	docs, err := r.store.Documents.ListByStatus(ctx, kbID, document.StatusReady)
	if err != nil {
		rep.fail(kbID, KindMissingVectors, err)
		return
	}

	for _, doc := range docs {
		if doc.ChunkCount == 0 {
			continue
		}
		n, err := r.vectors.CountDocumentVectors(ctx, kbID, doc.ID)
		if err != nil {
			r.record(ctx, rep, Finding{KnowledgeBaseID: kbID, DocumentID: doc.ID, Kind: KindMissingVectors,
				Action: ActionError, Error: err.Error(), Detail: "failed to count vectors"})
			continue
		}
		if n > 0 {
			continue
		}

		f := Finding{
			KnowledgeBaseID: kbID,
			DocumentID:      doc.ID,
			Kind:            KindMissingVectors,
			Detail:          fmt.Sprintf("chunk_count=%d, vectors=0", doc.ChunkCount),
		}
		err = r.store.InTx(ctx, func(tx *storage.Tx) error {
			pending, err := tx.HasPendingEvent(ctx, doc.ID, outbox.EventDocumentReprocess)
			if err != nil {
				return err
			}
			if pending {
				f.Action = ActionAlreadyPending
				return nil
			}
			f.Action = ActionReprocessEnqueued
			_, err = tx.Enqueue(ctx, outbox.DocumentEvent(outbox.EventDocumentReprocess, doc.ID, kbID, string(KindMissingVectors)))
			return err
		})
		if err != nil {
			f.Action, f.Error = ActionError, err.Error()
		}
		r.record(ctx, rep, f)
	}
}

// checkStaleProcessing finds PROCESSING documents whose run outlived the
// visibility timeout. A crashed and a timed out worker look the same here.
func (r *Reconciler) checkStaleProcessing(ctx context.Context, rep *Report, kbID string) {
	docs, err := r.store.Documents.ListByStatus(ctx, kbID, document.StatusProcessing)
	if err != nil {
		rep.fail(kbID, KindStaleProcessing, err)
		return
	}

	cutoff := r.now().Add(-r.cfg.ProcessingTimeout)
	for _, doc := range docs {
		if doc.ProcessingStartedAt != nil && doc.ProcessingStartedAt.After(cutoff) {
			continue
		}

		f := Finding{KnowledgeBaseID: kbID, DocumentID: doc.ID, Kind: KindStaleProcessing}
		if doc.ProcessingStartedAt != nil {
			f.Detail = fmt.Sprintf("processing since %s, retry_count=%d", doc.ProcessingStartedAt.Format(time.RFC3339), doc.RetryCount)
		} else {
			f.Detail = fmt.Sprintf("processing without start time, retry_count=%d", doc.RetryCount)
		}

		err := r.expire(ctx, doc, &f)
		switch {
		case errors.Is(err, storage.ErrConflict):
			f.Action = ActionSkipped
			f.Detail += "; run finished during the check"
		case err != nil:
			f.Action, f.Error = ActionError, err.Error()
		}
		r.record(ctx, rep, f)
	}
}

// expire moves an abandoned run back to PENDING with a new process event, or
// to FAILED once the document has used up its retries.
func (r *Reconciler) expire(ctx context.Context, doc *storage.Document, f *Finding) error {
	expect := storage.Expect{Status: document.StatusProcessing, RunID: doc.ProcessingRunID}
	msg := fmt.Sprintf("processing abandoned: no result within %s", r.cfg.ProcessingTimeout)
	now := r.now()

	doc.Progress.Fail(msg)
	doc.LastError = msg
	retry := doc.RetryCount < r.cfg.MaxRetries
	if retry {
		doc.Status = document.StatusPending
		doc.RetryCount++
		doc.ProcessingRunID = ""
		f.Action = ActionRequeued
	} else {
		doc.Status = document.StatusFailed
		doc.ProcessingCompletedAt = &now
		f.Action = ActionMarkedFailed
	}

	return r.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Documents.Save(ctx, doc, expect); err != nil {
			return err
		}
		if !retry {
			return nil
		}
		_, err := tx.Enqueue(ctx, outbox.DocumentEvent(outbox.EventDocumentProcess, doc.ID, doc.KnowledgeBaseID, string(KindStaleProcessing)))
		return err
	})
}

// checkOrphanedVectors deletes points whose document row no longer exists.
// Rows that are only soft-deleted still own their points until the delete
// handler runs.
func (r *Reconciler) checkOrphanedVectors(ctx context.Context, rep *Report, kbID string) {
	ids, err := r.vectors.ListDocumentIDs(ctx, kbID)
	if err != nil {
		rep.fail(kbID, KindOrphanedVectors, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	existing, err := r.store.Documents.ExistingIDs(ctx, ids)
	if err != nil {
		rep.fail(kbID, KindOrphanedVectors, err)
		return
	}

	for _, id := range ids {
		if existing[id] {
			continue
		}
		f := Finding{KnowledgeBaseID: kbID, DocumentID: id, Kind: KindOrphanedVectors, Action: ActionVectorsDeleted}
		if err := r.vectors.DeleteDocumentVectors(ctx, kbID, id); err != nil {
			f.Action, f.Error = ActionError, err.Error()
		}
		r.record(ctx, rep, f)
	}
}

// checkOrphanedObjects reports stored objects without a document row. They
// are never deleted automatically.
func (r *Reconciler) checkOrphanedObjects(ctx context.Context, rep *Report) {
	ids, err := r.objects.ListDocumentPrefixes(ctx)
	if err != nil {
		rep.fail("", KindOrphanedObjects, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	existing, err := r.store.Documents.ExistingIDs(ctx, ids)
	if err != nil {
		rep.fail("", KindOrphanedObjects, err)
		return
	}

	for _, id := range ids {
		if existing[id] {
			continue
		}
		r.record(ctx, rep, Finding{
			DocumentID: id,
			Kind:       KindOrphanedObjects,
			Action:     ActionLogged,
			Detail:     "objects under " + id + "/ have no document row; manual cleanup required",
		})
	}
}

func (r *Reconciler) record(ctx context.Context, rep *Report, f Finding) {
	rep.Findings = append(rep.Findings, f)
	anomaliesTotal.WithLabelValues(string(f.Kind), string(f.Action)).Inc()

	logger := contextutil.LoggerFromContext(ctx)
	args := []any{
		"kind", f.Kind,
		"action", f.Action,
		"document_id", f.DocumentID,
		"detail", f.Detail,
	}
	if f.Error != "" {
		logger.ErrorContext(ctx, "reconciliation action failed", append(args, "error", f.Error)...)
		return
	}
	logger.WarnContext(ctx, "reconciliation anomaly", args...)
}

func (rep *Report) fail(kbID string, check Kind, err error) {
	rep.Failures = append(rep.Failures, Failure{KnowledgeBaseID: kbID, Check: string(check), Error: err.Error()})
}
