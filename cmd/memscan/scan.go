package main

import (
	"context"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/memscan/pkg/dump"
	"github.com/grafana/memscan/pkg/filesource"
	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/scanner"
	"github.com/grafana/memscan/pkg/signing"
	"github.com/grafana/memscan/pkg/snapshot"
)

var errIndicatorsFound = errors.New("tamper indicators found")

// target is a scanner.Target that holds OS resources.
type target interface {
	scanner.Target
	io.Closer
}

type env struct {
	logger   log.Logger
	reg      *prometheus.Registry
	scanner  *scanner.Scanner
	files    memory.FileSource
	sink     memory.DumpSink
	parallel int
}

func newEnv(c Config, files memory.FileSource) (*env, error) {
	e := &env{logger: logger, reg: prometheus.NewRegistry(), files: files, parallel: c.Parallelism}
	if e.files == nil {
		src, err := filesource.New(c.Files, logger)
		if err != nil {
			return nil, err
		}
		e.files = src
	}
	verifier, err := signing.NewCache(newVerifier(e.files), c.SignatureCacheSize)
	if err != nil {
		return nil, err
	}
	e.scanner = scanner.New(c.Scanner, logger, scanner.NewMetrics(e.reg), e.files, verifier)

	if c.Dump.Enabled() {
		bkt, err := dump.NewBucket(c.Dump, e.reg)
		if err != nil {
			return nil, err
		}
		if e.sink, err = dump.NewSink(bkt, logger); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// finish dumps and prints the results and writes the metrics file.
func (e *env) finish(ctx context.Context, results []*scanner.Result) error {
	var errs error
	if e.sink != nil {
		for _, res := range results {
			if err := res.DumpFlagged(ctx, e.sink); err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "dump %d", res.PID))
			}
		}
	}
	render := renderTable
	if cfg.output == "json" {
		render = renderJSON
	}
	if err := render(output(ctx), results, cfg.scan.all); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.textfile, e.reg); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "write metrics"))
		}
	}
	if errs != nil {
		return errs
	}
	for _, res := range results {
		if len(res.Indicators) > 0 {
			return errIndicatorsFound
		}
	}
	return nil
}

func scanProcesses(ctx context.Context, c Config, pids []int) error {
	if len(pids) == 0 {
		return errors.New("no process given, use --pid")
	}
	e, err := newEnv(c, nil)
	if err != nil {
		return err
	}
	results := make([]*scanner.Result, len(pids))
	errs := make([]error, len(pids))
	g, gctx := errgroup.WithContext(ctx)
	if e.parallel > 0 {
		g.SetLimit(e.parallel)
	}
	for i, pid := range pids {
		g.Go(func() error {
			results[i], errs[i] = e.scanPID(gctx, pid)
			return nil
		})
	}
	_ = g.Wait()

	var failed error
	done := results[:0]
	for i, res := range results {
		if errs[i] != nil {
			failed = multierror.Append(failed, errs[i])
			continue
		}
		done = append(done, res)
	}
	if err := e.finish(ctx, done); err != nil && !errors.Is(err, errIndicatorsFound) {
		failed = multierror.Append(failed, err)
	} else if failed == nil {
		return err
	}
	return failed
}

func (e *env) scanPID(ctx context.Context, pid int) (*scanner.Result, error) {
	t, err := openTarget(pid, e.logger)
	if err != nil {
		return nil, err
	}
	defer t.Close()
	res, err := e.scanner.Scan(ctx, t)
	if err != nil {
		return nil, err
	}
	level.Info(e.logger).Log("msg", "process scanned", "pid", pid, "entities", len(res.Entities), "indicators", len(res.Indicators))
	return res, nil
}

func captureProcess(ctx context.Context, c Config, pid int, dir string) error {
	files, err := filesource.New(c.Files, logger)
	if err != nil {
		return err
	}
	t, err := openTarget(pid, logger)
	if err != nil {
		return err
	}
	defer t.Close()
	doc, err := snapshot.Capture(ctx, t, files, afero.NewOsFs(), dir, logger)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "snapshot captured", "pid", pid, "dir", dir, "regions", len(doc.Regions), "files", len(doc.Files))
	return nil
}

func inspectSnapshot(ctx context.Context, c Config, dir string) error {
	t, err := snapshot.Load(afero.NewReadOnlyFs(afero.NewOsFs()), dir, logger)
	if err != nil {
		return err
	}
	e, err := newEnv(c, t)
	if err != nil {
		return err
	}
	res, err := e.scanner.Scan(ctx, t)
	if err != nil {
		return err
	}
	return e.finish(ctx, []*scanner.Result{res})
}
