package pollster

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bedrock "github.com/yirzhou/bedrock"
)

func openTestStore(t *testing.T) *bedrock.KVStore {
	t.Helper()
	dir := t.TempDir()
	cfg := bedrock.NewDefaultConfiguration().
		WithBaseDir(filepath.Join(dir, "bedrock")).
		WithEnableMaintenance(false). // disable background loops in tests
		WithEnableCompaction(false).
		WithEnableCheckpoint(true).
		WithEnableSyncCheckpoint(false). // avoid fsync penalties in tests
		WithMemtableSizeThreshold(1024).
		WithCheckpointSize(1 << 20).
		WithNoLog()
	store, err := bedrock.Open(cfg)
	require.NoError(t, err, "failed to open bedrock store")
	t.Cleanup(func() {
		_ = store.CloseAndCleanUp()
		_ = os.RemoveAll(dir)
	})
	return store
}

func TestSaveJob_PersistsRecord(t *testing.T) {
	db := openTestStore(t)
	s := NewStore(db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := JobRecord{
		Handle:    "job-1",
		Config:    DefaultJobConfig(),
		State:     Polling,
		Attempts:  2,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.SaveJob(rec))

	// Verify the raw value under the job key.
	raw, ok := db.Get([]byte("job/job-1"))
	require.True(t, ok, "job record not found in store")
	var stored JobRecord
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, JobHandle("job-1"), stored.Handle)
	assert.Equal(t, Polling, stored.State)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, 60*time.Second, stored.Config.Timeout)

	got, found, err := s.LoadJob("job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Polling, got.State)
	assert.True(t, now.Equal(got.CreatedAt))
}

func TestSaveJob_OverwritesEarlierVersion(t *testing.T) {
	s := NewStore(openTestStore(t))

	rec := JobRecord{Handle: "job-1", State: Created}
	require.NoError(t, s.SaveJob(rec))
	rec.State = Completed
	rec.LastStatus = StatusCompleted
	require.NoError(t, s.SaveJob(rec))

	got, found, err := s.LoadJob("job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Completed, got.State)
	assert.Equal(t, StatusCompleted, got.LastStatus)
}

func TestLoadJob_Missing(t *testing.T) {
	s := NewStore(openTestStore(t))

	_, found, err := s.LoadJob("missing-id-xyz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecord_AppendsTrailInOrder(t *testing.T) {
	s := NewStore(openTestStore(t))
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	types := []string{EventJobCreated, "job_status_pending", "job_status_completed"}
	for i, typ := range types {
		err := s.Record(ctx, AuditEvent{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			EventType: typ,
			JobID:     "job-1",
			Details:   map[string]any{"n": i},
		})
		require.NoErrorf(t, err, "record %d failed", i)
	}
	// Events of another job must not leak into job-1's trail.
	require.NoError(t, s.Record(ctx, AuditEvent{Timestamp: base, EventType: EventJobCreated, JobID: "job-2"}))

	trail, err := s.AuditTrail("job-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i := range types {
		assert.Equalf(t, types[i], trail[i].EventType, "trail order mismatch at %d", i)
		assert.Truef(t, base.Add(time.Duration(i)*time.Second).Equal(trail[i].Timestamp), "timestamp %d", i)
	}

	other, err := s.AuditTrail("job-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestAuditTrail_Missing(t *testing.T) {
	s := NewStore(openTestStore(t))

	trail, err := s.AuditTrail("nope")
	require.NoError(t, err)
	assert.Empty(t, trail)
}
