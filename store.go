package pollster

import (
	"context"
	"encoding/json"
	"sync"

	bedrock "github.com/yirzhou/bedrock"
)

const (
	jobKeyPrefix   = "job/"
	auditKeyPrefix = "audit/"
)

// Store persists job records and per-job audit trails in a Bedrock KV store.
// It satisfies AuditSink, so it can be handed to the client as its sink.
type Store struct {
	db *bedrock.KVStore

	// Serializes read-modify-write of audit trails.
	mu sync.Mutex
}

// NewStore wraps an open Bedrock store.
func NewStore(db *bedrock.KVStore) *Store {
	return &Store{db: db}
}

func jobKey(h JobHandle) []byte   { return []byte(jobKeyPrefix + string(h)) }
func auditKey(h JobHandle) []byte { return []byte(auditKeyPrefix + string(h)) }

// SaveJob writes rec, replacing any earlier version.
func (s *Store) SaveJob(rec JobRecord) error {
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	txn := s.db.BeginTransaction()
	if err := txn.Put(jobKey(rec.Handle), recBytes); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// LoadJob returns the stored record for h, if any.
func (s *Store) LoadJob(h JobHandle) (JobRecord, bool, error) {
	raw, found := s.db.Get(jobKey(h))
	if !found {
		return JobRecord{}, false, nil
	}
	var rec JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return JobRecord{}, false, err
	}
	return rec, true, nil
}

// Record appends event to the audit trail of its job.
func (s *Store) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.BeginTransaction()

	// GetForUpdate takes the write lock up front, as the trail is rewritten below.
	var trail []AuditEvent
	if raw, found := txn.GetForUpdate(auditKey(event.JobID)); found {
		if err := json.Unmarshal(raw, &trail); err != nil {
			txn.Rollback()
			return err
		}
	}
	trail = append(trail, event)

	trailBytes, err := json.Marshal(trail)
	if err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Put(auditKey(event.JobID), trailBytes); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// AuditTrail returns the events recorded for h, oldest first.
func (s *Store) AuditTrail(h JobHandle) ([]AuditEvent, error) {
	raw, found := s.db.Get(auditKey(h))
	if !found {
		return nil, nil
	}
	var trail []AuditEvent
	if err := json.Unmarshal(raw, &trail); err != nil {
		return nil, err
	}
	return trail, nil
}
