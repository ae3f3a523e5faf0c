//go:build linux

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/grafana/memscan/pkg/dump"
)

func TestScanProcessesDumpsFlagged(t *testing.T) {
	page, err := unix.Mmap(-1, 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(page) })
	page[0] = 0xc3

	var c Config
	flagext.DefaultValues(&c)
	dir := t.TempDir()
	c.Dump = dump.BucketConfig{Backend: dump.Filesystem, Directory: dir}
	c.Parallelism = 2

	var buf bytes.Buffer
	ctx := withOutput(context.Background(), &buf)
	pid := os.Getpid()
	require.ErrorIs(t, scanProcesses(ctx, c, []int{pid}), errIndicatorsFound)
	assert.Contains(t, buf.String(), "abnormal_private_executable")

	entries, err := os.ReadDir(filepath.Join(dir, strconv.Itoa(pid)))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
