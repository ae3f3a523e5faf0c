// Package dump stores the bytes of flagged entities in an object store
// bucket.
package dump

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"

	"github.com/grafana/memscan/pkg/memory"
)

const (
	dataSuffix = ".dmp.zst"
	metaSuffix = ".meta.json"
)

// Meta is written next to every dump object.
type Meta struct {
	ULID     ulid.ULID `json:"ulid"`
	PID      int       `json:"pid"`
	Kind     string    `json:"kind"`
	Start    uint64    `json:"start"`
	End      uint64    `json:"end"`
	Path     string    `json:"path,omitempty"`
	Section  string    `json:"section,omitempty"`
	Size     int       `json:"size"`
	Checksum uint64    `json:"xxhash"`
}

// Sink uploads every record as a zstd-compressed object named
// <pid>/<ulid>_<start>-<end>_<kind>.dmp.zst plus a JSON meta object.
type Sink struct {
	bkt    objstore.Bucket
	logger log.Logger
	enc    *zstd.Encoder

	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

var _ memory.DumpSink = (*Sink)(nil)

func NewSink(bkt objstore.Bucket, logger log.Logger) (*Sink, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Sink{
		bkt:     bkt,
		logger:  logger,
		enc:     enc,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}, nil
}

func (s *Sink) newULID() (ulid.ULID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.New(ulid.Timestamp(s.now()), s.entropy)
}

func ObjectName(id ulid.ULID, rec memory.DumpRecord) string {
	return path.Join(fmt.Sprint(rec.PID), fmt.Sprintf("%s_%x-%x_%s%s", id, uint64(rec.Range.Start), uint64(rec.Range.End), rec.Kind, dataSuffix))
}

func (s *Sink) Dump(ctx context.Context, rec memory.DumpRecord) error {
	id, err := s.newULID()
	if err != nil {
		return errors.Wrap(err, "generate dump id")
	}
	name := ObjectName(id, rec)
	if err := s.bkt.Upload(ctx, name, bytes.NewReader(s.enc.EncodeAll(rec.Data, nil))); err != nil {
		return errors.Wrapf(err, "upload %s", name)
	}

	meta, err := jsoniter.ConfigFastest.Marshal(Meta{
		ULID:     id,
		PID:      rec.PID,
		Kind:     rec.Kind.String(),
		Start:    uint64(rec.Range.Start),
		End:      uint64(rec.Range.End),
		Path:     rec.Path,
		Section:  rec.Section,
		Size:     len(rec.Data),
		Checksum: xxhash.Sum64(rec.Data),
	})
	if err != nil {
		return errors.Wrap(err, "encode dump meta")
	}
	metaName := name[:len(name)-len(dataSuffix)] + metaSuffix
	if err := s.bkt.Upload(ctx, metaName, bytes.NewReader(meta)); err != nil {
		return errors.Wrapf(err, "upload %s", metaName)
	}
	level.Debug(s.logger).Log("msg", "entity dumped", "object", name, "size", len(rec.Data))
	return nil
}

// Read fetches and decompresses a dump object and verifies it against its
// meta object.
func Read(ctx context.Context, bkt objstore.BucketReader, name string) ([]byte, Meta, error) {
	var meta Meta
	if len(name) < len(dataSuffix) || name[len(name)-len(dataSuffix):] != dataSuffix {
		return nil, meta, errors.Errorf("%s is not a dump object", name)
	}
	rc, err := bkt.Get(ctx, name[:len(name)-len(dataSuffix)]+metaSuffix)
	if err != nil {
		return nil, meta, errors.Wrap(err, "get meta")
	}
	err = jsoniter.NewDecoder(rc).Decode(&meta)
	_ = rc.Close()
	if err != nil {
		return nil, meta, errors.Wrap(err, "decode meta")
	}

	rc, err = bkt.Get(ctx, name)
	if err != nil {
		return nil, meta, errors.Wrap(err, "get dump")
	}
	defer rc.Close()
	dec, err := zstd.NewReader(rc)
	if err != nil {
		return nil, meta, errors.Wrap(err, "create zstd reader")
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, meta, errors.Wrap(err, "decompress dump")
	}
	if xxhash.Sum64(data) != meta.Checksum {
		return nil, meta, errors.Errorf("checksum mismatch for %s", name)
	}
	return data, meta, nil
}
