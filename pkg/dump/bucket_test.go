package dump

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/memscan/pkg/memory"
)

func TestNewBucket(t *testing.T) {
	dir := t.TempDir()
	bkt, err := NewBucket(BucketConfig{Backend: Filesystem, Directory: dir, StoragePrefix: "host-1"}, prometheus.NewRegistry())
	require.NoError(t, err)

	sink, err := NewSink(bkt, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Dump(context.Background(), memory.DumpRecord{
		PID:   7,
		Kind:  memory.KindUnknown,
		Range: memory.Range{Start: 0x1000, End: 0x2000},
		Data:  []byte("payload"),
	}))

	entries, err := os.ReadDir(filepath.Join(dir, "host-1", "7"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBucketConfig(t *testing.T) {
	assert.False(t, (&BucketConfig{}).Enabled())
	require.NoError(t, (&BucketConfig{}).Validate())
	require.Error(t, (&BucketConfig{Backend: Filesystem}).Validate())
	require.ErrorIs(t, (&BucketConfig{Backend: "s3"}).Validate(), ErrUnsupportedStorageBackend)

	bkt, err := NewBucket(BucketConfig{Backend: InMemory}, prometheus.NewRegistry())
	require.NoError(t, err)
	assert.NotNil(t, bkt)
}
