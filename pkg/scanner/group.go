package scanner

import "github.com/grafana/memscan/pkg/memory"

// Group splits the subregions of snap into factory inputs. Free subregions
// are skipped. Consecutive subregions that touch and share an allocation
// base end up in the same group.
func Group(snap *memory.Snapshot) [][]memory.SubregionID {
	var (
		groups [][]memory.SubregionID
		cur    []memory.SubregionID
		prev   *memory.Subregion
	)
	flush := func() {
		if len(cur) > 0 {
			groups = append(groups, cur)
			cur = nil
		}
	}
	for _, s := range snap.Subregions() {
		if s.Info().State == memory.MemFree {
			flush()
			prev = nil
			continue
		}
		if prev != nil && (prev.End() != s.Base() || prev.Info().AllocationBase != s.Info().AllocationBase) {
			flush()
		}
		cur = append(cur, s.ID())
		prev = s
	}
	flush()
	return groups
}
