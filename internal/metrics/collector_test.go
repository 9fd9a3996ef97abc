package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpRetrieval, 10*time.Millisecond)
	c.RecordTiming(OpRetrieval, 30*time.Millisecond)

	snap := c.Snapshot()
	op := snap.Operations[OpRetrieval]
	require.NotNil(t, op)
	assert.Equal(t, int64(2), op.Count)
	assert.Equal(t, int64(10), op.MinTimeMs)
	assert.Equal(t, int64(30), op.MaxTimeMs)
	assert.Nil(t, op.TotalInputTokens)
}

func TestRecordLLMUsage(t *testing.T) {
	c := NewCollector()
	c.RecordLLMUsage(OpLLMStream, time.Second, 120, 45)
	c.RecordLLMUsage(OpLLMStream, time.Second, 80, 15)

	op := c.Snapshot().Operations[OpLLMStream]
	require.NotNil(t, op)
	require.NotNil(t, op.TotalInputTokens)
	assert.Equal(t, int64(200), *op.TotalInputTokens)
	assert.Equal(t, int64(60), *op.TotalOutputTokens)
}

func TestSnapshotSkipsEmptyOps(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot()
	assert.Empty(t, snap.Operations)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordTiming(OpDBQuery, time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), c.Snapshot().Operations[OpDBQuery].Count)
}
