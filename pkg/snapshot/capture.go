package snapshot

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/scanner"
)

const (
	memDir   = "mem"
	filesDir = "files"
)

// Capture records the layout and committed memory of t into dir. Backing
// files are copied from files when it is not nil. Regions that cannot be
// read are recorded without content.
func Capture(ctx context.Context, t scanner.Target, files memory.FileSource, fs afero.Fs, dir string, logger log.Logger) (Document, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "pid", t.PID())
	doc := Document{PID: t.PID(), Is64: t.Is64Bit(), Files: map[string]string{}}

	regions, err := t.Regions(ctx)
	if err != nil {
		return doc, errors.Wrap(err, "enumerate regions")
	}
	threads, err := t.Threads(ctx)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to enumerate threads", "err", err)
	}
	for _, th := range threads {
		doc.Threads = append(doc.Threads, Thread{ID: th.ID, Stack: spanOf(th.Stack), TEB: Hex(th.TEB)})
	}
	markers, err := t.Markers(ctx)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to locate heaps", "err", err)
	}
	doc.ImageBase = Hex(markers.ImageBase)
	for _, h := range markers.Heaps {
		doc.Heaps = append(doc.Heaps, spanOf(h))
	}
	for _, h := range markers.ManagedHeaps {
		doc.ManagedHeaps = append(doc.ManagedHeaps, spanOf(h))
	}

	if err := fs.MkdirAll(path.Join(dir, memDir), 0o755); err != nil {
		return doc, errors.Wrap(err, "create snapshot directory")
	}
	allocPaths := map[memory.Address]string{}
	for _, info := range regions {
		if err := ctx.Err(); err != nil {
			return doc, err
		}
		r := regionFromInfo(info)
		if info.State == memory.MemCommit {
			if size, err := t.QueryPrivateSize(info.Range()); err == nil {
				r.PrivateSize = size
			}
			if data, err := t.ReadMemory(info.BaseAddress, info.RegionSize); err == nil {
				r.Data = path.Join(memDir, fmt.Sprintf("%x.bin", uint64(info.BaseAddress)))
				if err := afero.WriteFile(fs, path.Join(dir, r.Data), data, 0o644); err != nil {
					return doc, errors.Wrapf(err, "write region %s", info.BaseAddress)
				}
			} else {
				level.Debug(logger).Log("msg", "region not readable", "base", info.BaseAddress, "err", err)
			}
		}
		if info.State != memory.MemFree {
			p, ok := allocPaths[info.AllocationBase]
			if !ok && info.BaseAddress == info.AllocationBase {
				p, _ = t.FileIdentity(t, memory.Range{Start: info.BaseAddress, End: info.End()})
				allocPaths[info.AllocationBase] = p
			}
			r.Path = p
		}
		doc.Regions = append(doc.Regions, r)
	}

	bases := lo.Keys(allocPaths)
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	for _, base := range bases {
		p := allocPaths[base]
		if p == "" {
			continue
		}
		if rec, ok, err := t.Module(t, base); err == nil && ok {
			doc.Modules = append(doc.Modules, Module{
				Base:       Hex(rec.Base),
				EntryPoint: Hex(rec.EntryPoint),
				Path:       rec.Path,
				Name:       rec.Name,
				Size:       rec.Size,
			})
		}
		if files == nil {
			continue
		}
		if _, ok := doc.Files[p]; ok {
			continue
		}
		content, err := files.ReadFile(p)
		if err != nil {
			level.Debug(logger).Log("msg", "backing file not copied", "path", p, "err", err)
			continue
		}
		blob := path.Join(filesDir, fmt.Sprintf("%d.bin", len(doc.Files)))
		if err := fs.MkdirAll(path.Join(dir, filesDir), 0o755); err != nil {
			return doc, errors.Wrap(err, "create snapshot directory")
		}
		if err := afero.WriteFile(fs, path.Join(dir, blob), content, 0o644); err != nil {
			return doc, errors.Wrapf(err, "write %s", p)
		}
		doc.Files[p] = blob
	}
	return doc, Save(fs, dir, doc)
}

// Save writes doc as the snapshot document of dir.
func Save(fs afero.Fs, dir string, doc Document) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot directory")
	}
	return afero.WriteFile(fs, path.Join(dir, DocumentName), raw, 0o644)
}
