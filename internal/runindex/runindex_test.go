package runindex_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirabe/internal/orchestrator"
	"github.com/ashita-ai/shirabe/internal/runindex"
)

func TestRecordAndList(t *testing.T) {
	ix, err := runindex.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer ix.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, ix.Record(ctx, orchestrator.IndexEntry{
			RunID:       id,
			Query:       "query " + id,
			Status:      "completed",
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
			ReportPath:  "/data/" + id + "/report.md",
		}))
	}

	entries, err := ix.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run-c", entries[0].RunID, "most recent first")
	assert.Equal(t, "run-b", entries[1].RunID)
}

func TestRecord_Idempotent(t *testing.T) {
	ix, err := runindex.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer ix.Close()

	ctx := context.Background()
	entry := orchestrator.IndexEntry{
		RunID: "run-a", Query: "q", Status: "completed",
		CompletedAt: time.Now().UTC(), ReportPath: "/p",
	}
	require.NoError(t, ix.Record(ctx, entry))
	require.NoError(t, ix.Record(ctx, entry))

	entries, err := ix.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpen_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ix, err := runindex.Open(path)
	require.NoError(t, err)
	require.NoError(t, ix.Record(context.Background(), orchestrator.IndexEntry{
		RunID: "run-a", Query: "q", Status: "completed",
		CompletedAt: time.Now().UTC(), ReportPath: "/p",
	}))
	require.NoError(t, ix.Close())

	ix2, err := runindex.Open(path)
	require.NoError(t, err)
	defer ix2.Close()
	entries, err := ix2.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
