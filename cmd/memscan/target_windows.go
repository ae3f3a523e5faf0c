package main

import (
	"github.com/go-kit/log"

	"github.com/grafana/memscan/pkg/filesource"
	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/signing"
	"github.com/grafana/memscan/pkg/winproc"
)

func openTarget(pid int, logger log.Logger) (target, error) {
	p, err := winproc.Open(pid, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Files on the local disk are verified by the system. Snapshot files only
// have their embedded signature checked.
func newVerifier(files memory.FileSource) memory.SignatureVerifier {
	if _, ok := files.(*filesource.Source); ok {
		return signing.NewWinTrust(files)
	}
	return signing.NewEmbedded(files)
}
