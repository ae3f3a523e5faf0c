package main

import (
	"github.com/go-kit/log"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/procfs"
	"github.com/grafana/memscan/pkg/signing"
)

func openTarget(pid int, logger log.Logger) (target, error) {
	p, err := procfs.Open(pid, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newVerifier(files memory.FileSource) memory.SignatureVerifier {
	return signing.NewEmbedded(files)
}
