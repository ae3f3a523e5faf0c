package main

import (
	"bytes"
	"context"
	"path"
	"strings"
	"testing"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/memory/memtest"
	"github.com/grafana/memscan/pkg/scanner"
	"github.com/grafana/memscan/pkg/snapshot"
)

// scanShellcode scans a snapshot holding one private RWX allocation and one
// plain data allocation.
func scanShellcode(t *testing.T) *scanner.Result {
	fs := afero.NewMemMapFs()
	doc := snapshot.Document{PID: 42, Is64: true}
	for _, r := range []snapshot.Region{
		{Base: 0x10000, AllocationBase: 0x10000, Size: 0x1000, Protect: snapshot.Protection(memory.PageExecuteReadWrite)},
		{Base: 0x40000, AllocationBase: 0x40000, Size: 0x2000, Protect: snapshot.Protection(memory.PageReadWrite)},
	} {
		r.AllocationProtect = r.Protect
		r.State = snapshot.State(memory.MemCommit)
		r.Type = snapshot.Type(memory.MemPrivate)
		r.Data = "mem/" + memory.Address(r.Base).String() + ".bin"
		require.NoError(t, afero.WriteFile(fs, path.Join("snap", r.Data), make([]byte, r.Size), 0o644))
		doc.Regions = append(doc.Regions, r)
	}
	require.NoError(t, snapshot.Save(fs, "snap", doc))

	target, err := snapshot.Load(fs, "snap", nil)
	require.NoError(t, err)
	res, err := scanner.New(scanner.Config{}, memtest.NewTestingLogger(t), nil, target, memtest.NewVerifier()).Scan(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	return res
}

func TestRenderJSON(t *testing.T) {
	res := scanShellcode(t)

	var buf bytes.Buffer
	require.NoError(t, renderJSON(&buf, []*scanner.Result{res}, false))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var v entityView
	require.NoError(t, jsoniter.UnmarshalFromString(lines[0], &v))
	assert.Equal(t, 42, v.PID)
	assert.Equal(t, "0x10000", v.Start)
	assert.Equal(t, "0x11000", v.End)
	assert.Equal(t, uint64(0x1000), v.Size)
	require.Len(t, v.Indicators, 1)
	assert.Equal(t, "abnormal_private_executable", v.Indicators[0].Kind)
	assert.Equal(t, "medium", v.Indicators[0].Severity)

	buf.Reset()
	require.NoError(t, renderJSON(&buf, []*scanner.Result{res}, true))
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 2)
}

func TestRenderTable(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	res := scanShellcode(t)
	var buf bytes.Buffer
	require.NoError(t, renderTable(&buf, []*scanner.Result{res}, false))
	out := buf.String()
	assert.Contains(t, out, "0x10000-0x11000")
	assert.Contains(t, out, "4.0 KiB")
	assert.Contains(t, out, "abnormal_private_executable")
	assert.NotContains(t, out, "0x40000")
}

func TestFinishExitCode(t *testing.T) {
	res := scanShellcode(t)
	e, err := newEnv(Config{SignatureCacheSize: 8}, memtest.NewFiles())
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx := withOutput(context.Background(), &buf)
	require.ErrorIs(t, e.finish(ctx, []*scanner.Result{res}), errIndicatorsFound)
	assert.NotEmpty(t, buf.String())

	res.Indicators = nil
	require.NoError(t, e.finish(ctx, []*scanner.Result{res}))
}
