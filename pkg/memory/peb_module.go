package memory

import "github.com/go-kit/log/level"

// PebModule is the loader's view of an image, taken when the body was
// built. Exists is false when the loader has no record at the body's base,
// which for a mapped PE image suggests an unlinked or hidden module.
type PebModule struct {
	rec   ModuleRecord
	found bool
}

func lookupPebModule(snap *Snapshot, base Address) PebModule {
	rec, ok, err := snap.modules.Module(snap.proc, base)
	if err != nil {
		level.Debug(snap.logger).Log("msg", "module lookup failed", "base", base, "err", err)
		return PebModule{}
	}
	if !ok {
		return PebModule{}
	}
	return PebModule{rec: rec, found: true}
}

func (m PebModule) Base() Address       { return m.rec.Base }
func (m PebModule) EntryPoint() Address { return m.rec.EntryPoint }
func (m PebModule) Path() string        { return m.rec.Path }
func (m PebModule) Name() string        { return m.rec.Name }
func (m PebModule) Size() uint32        { return m.rec.Size }
func (m PebModule) Exists() bool        { return m.found }
