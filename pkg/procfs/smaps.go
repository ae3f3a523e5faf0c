package procfs

import (
	"bufio"
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// ParseSmapsPrivate sums Private_Clean and Private_Dirty per mapping of a
// /proc/<pid>/smaps file. The result is keyed by mapping start address and
// measured in bytes.
func ParseSmapsPrivate(smaps []byte) (map[uint64]uint64, error) {
	res := make(map[uint64]uint64)
	var (
		cur  uint64
		have bool
	)
	sc := bufio.NewScanner(bytes.NewReader(smaps))
	for sc.Scan() {
		fields := bytes.Fields(sc.Bytes())
		if len(fields) == 0 {
			continue
		}
		key := fields[0]
		if key[len(key)-1] != ':' {
			dash := bytes.IndexByte(key, '-')
			if dash <= 0 {
				continue
			}
			start, err := strconv.ParseUint(string(key[:dash]), 16, 64)
			if err != nil {
				return nil, errors.Wrap(err, "parsing mapping start")
			}
			cur, have = start, true
			res[cur] = 0
			continue
		}
		if !have || len(fields) < 2 {
			continue
		}
		switch string(key) {
		case "Private_Clean:", "Private_Dirty:":
			kb, err := strconv.ParseUint(string(fields[1]), 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %s", key)
			}
			res[cur] += kb << 10
		}
	}
	return res, sc.Err()
}
