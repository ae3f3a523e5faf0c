// Package scanner turns the region list of a process into entities and
// evaluates them for signs of tampering.
package scanner

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/memory/peimage"
)

// RegionEnumerator lists the regions of a process address space.
type RegionEnumerator interface {
	Regions(ctx context.Context) ([]memory.RegionInfo, error)
}

// ThreadEnumerator lists the threads of a process with their stacks.
type ThreadEnumerator interface {
	Threads(ctx context.Context) ([]memory.Thread, error)
}

// Markers are process-wide addresses used to flag subregions.
type Markers struct {
	Heaps        []memory.Range
	ManagedHeaps []memory.Range
	ImageBase    memory.Address
}

type LayoutProvider interface {
	Markers(ctx context.Context) (Markers, error)
}

// Target is one process that can be scanned.
type Target interface {
	memory.Process
	memory.FileIdentityResolver
	memory.ModuleLookup
	RegionEnumerator
	ThreadEnumerator
	LayoutProvider
}

type Result struct {
	PID        int
	Snapshot   *memory.Snapshot
	Entities   []memory.Entity
	Indicators []Indicator
}

// Flagged returns the entities with at least one indicator, in scan order.
func (r *Result) Flagged() []memory.Entity {
	seen := make(map[memory.Entity]struct{})
	var res []memory.Entity
	for _, ind := range r.Indicators {
		if _, ok := seen[ind.Entity]; ok {
			continue
		}
		seen[ind.Entity] = struct{}{}
		res = append(res, ind.Entity)
	}
	return res
}

// DumpFlagged writes every flagged entity to sink. It keeps going after a
// failure and returns all errors.
func (r *Result) DumpFlagged(ctx context.Context, sink memory.DumpSink) error {
	var errs error
	for _, e := range r.Flagged() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Dump(ctx, sink); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

type Scanner struct {
	logger     log.Logger
	cfg        Config
	metrics    *Metrics
	files      memory.FileSource
	signatures memory.SignatureVerifier
}

func New(cfg Config, logger log.Logger, metrics *Metrics, files memory.FileSource, signatures memory.SignatureVerifier) *Scanner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scanner{
		logger:     logger,
		cfg:        cfg,
		metrics:    metrics,
		files:      files,
		signatures: signatures,
	}
}

func (s *Scanner) Scan(ctx context.Context, t Target) (*Result, error) {
	start := time.Now()
	defer func() {
		s.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}()
	logger := log.With(s.logger, "pid", t.PID())

	regions, err := t.Regions(ctx)
	if err != nil {
		s.metrics.ScanErrors.WithLabelValues("regions").Inc()
		return nil, errors.Wrapf(err, "enumerate regions of %d", t.PID())
	}
	layout := memory.Layout{Regions: regions}
	if layout.Threads, err = t.Threads(ctx); err != nil {
		s.metrics.ScanErrors.WithLabelValues("threads").Inc()
		level.Warn(logger).Log("msg", "failed to enumerate threads", "err", err)
	}
	markers, err := t.Markers(ctx)
	if err != nil {
		s.metrics.ScanErrors.WithLabelValues("markers").Inc()
		level.Warn(logger).Log("msg", "failed to locate heaps", "err", err)
	}
	layout.Heaps = markers.Heaps
	layout.ManagedHeaps = markers.ManagedHeaps
	layout.ImageBase = markers.ImageBase

	snap := memory.NewSnapshot(t, layout, memory.Options{
		Logger:     logger,
		Files:      t,
		Contents:   s.files,
		Modules:    t,
		Signatures: s.signatures,
	})
	if s.cfg.CollectPrivateSize {
		for _, sub := range snap.Subregions() {
			if sub.Committed() {
				sub.SetPrivateSize(sub.QueryPrivateSize())
			}
		}
	}

	res := &Result{PID: t.PID(), Snapshot: snap}
	for _, ids := range Group(snap) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.tooLarge(snap, ids) {
			e := memory.NewRegion(snap, ids)
			level.Debug(logger).Log("msg", "group too large to classify", "range", e.Range())
			res.Entities = append(res.Entities, e)
			s.metrics.Entities.WithLabelValues(e.Kind().String()).Inc()
			continue
		}
		e := s.create(snap, ids)
		res.Entities = append(res.Entities, e)
		s.metrics.Entities.WithLabelValues(e.Kind().String()).Inc()

		if fb, ok := e.(memory.FileBacked); ok && s.cfg.excluded(fb.FilePath()) {
			continue
		}
		for _, ind := range evaluate(snap, e) {
			s.metrics.Indicators.WithLabelValues(ind.Kind.String(), ind.Severity.String()).Inc()
			res.Indicators = append(res.Indicators, ind)
		}
	}
	level.Debug(logger).Log("msg", "scan done", "subregions", len(snap.Subregions()), "entities", len(res.Entities), "indicators", len(res.Indicators), "duration", time.Since(start))
	return res, nil
}

func (s *Scanner) tooLarge(snap *memory.Snapshot, ids []memory.SubregionID) bool {
	if s.cfg.MaxEntitySize == 0 {
		return false
	}
	first, last := snap.Subregion(ids[0]), snap.Subregion(ids[len(ids)-1])
	return last.End().Sub(first.Base()) > s.cfg.MaxEntitySize
}

func (s *Scanner) create(snap *memory.Snapshot, ids []memory.SubregionID) memory.Entity {
	e := snap.Create(ids)
	switch e := e.(type) {
	case *memory.Body:
		if err := e.ParseError(); err != nil {
			s.metrics.ParseFailures.WithLabelValues(parseFailureReason(err)).Inc()
		}
	case *memory.MappedFile:
		if s.cfg.CacheMappedFiles {
			e.CacheContent()
		}
	}
	return e
}

func parseFailureReason(err error) string {
	switch {
	case errors.Is(err, memory.ErrArchMismatch):
		return "arch_mismatch"
	case errors.Is(err, peimage.ErrTruncated):
		return "truncated"
	case errors.Is(err, peimage.ErrBadDOSSignature):
		return "dos_signature"
	case errors.Is(err, peimage.ErrBadNTSignature):
		return "nt_signature"
	case errors.Is(err, peimage.ErrBadOptionalHeader):
		return "optional_header"
	case errors.Is(err, peimage.ErrTooManySections):
		return "too_many_sections"
	}
	return "other"
}
