package engine

import (
	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/ir"
)

const (
	transStored    = "stored"
	transRecreated = "recreated"
)

// Translate maps a pc in t's code cache back to the application pc whose
// instruction it executes for.
func (e *Engine) Translate(t *Thread, cachePC uint64) (uint64, error) {
	owner, _ := t.set.cache.Containing(t.held, cachePC)
	f, ok := owner.(*fragment.Fragment)
	if !ok || f == nil {
		return 0, rerrors.Wrap(ErrNoTranslation, "translate", cachePC)
	}
	return e.translateIn(t, f, cachePC)
}

// translateIn maps pc inside f. A pc in the stub area maps to the target of
// its direct exit; indirect stubs have no application pc.
func (e *Engine) translateIn(t *Thread, f *fragment.Fragment, pc uint64) (uint64, error) {
	if !f.Contains(pc) {
		return 0, rerrors.Wrap(ErrNoTranslation, "translate", pc)
	}
	if pc >= f.Start+uint64(f.BodySize) {
		var stub *fragment.Linkstub
		for _, x := range f.Exits {
			if x.StubPC() <= pc && (stub == nil || x.StubPC() > stub.StubPC()) {
				stub = x
			}
		}
		if stub == nil || stub.Kind == fragment.ExitIndirect {
			return 0, rerrors.Wrap(ErrNoTranslation, "translate", pc)
		}
		return stub.Target, nil
	}
	entries, method, err := e.transEntries(t, f)
	if err != nil {
		return 0, err
	}
	app, ok := fragment.LookupTranslation(entries, uint32(pc-f.Start))
	if !ok {
		return 0, rerrors.Wrap(ErrNoTranslation, "translate", pc)
	}
	e.stats.Translations.WithLabelValues(method).Inc()
	e.log.Log(dlog.Cache, 4, "translated", dlog.Hex("cache", pc), dlog.Hex("app", app), zap.String("method", method))
	return app, nil
}

// transEntries returns f's translation table: the stored one, or one
// recreated by rebuilding the block from the application code. Recreating
// requires the code to be unchanged since f was built.
func (e *Engine) transEntries(t *Thread, f *fragment.Fragment) ([]fragment.TransEntry, string, error) {
	if f.Has(fragment.FlagHasTranslation) {
		return f.Translations, transStored, nil
	}
	if f.IsTrace() {
		return nil, "", rerrors.Wrap(ErrNoTranslation, "recreate", f.Tag)
	}
	l, info, err := e.buildApp(t, f.Tag, false, true)
	if err != nil {
		return nil, "", rerrors.Wrap(err, "recreate", f.Tag)
	}
	defer l.Destroy()
	if info.CodeHash != f.CodeHash {
		return nil, "", rerrors.Wrap(ErrNoTranslation, "recreate: code changed", f.Tag)
	}
	var m mangler
	m.mangleEnd(l, info.Flags)
	padRelFields(l)
	if body := ir.Layout(l, 0); body != f.BodySize {
		return nil, "", rerrors.Assertf("recreated %s with body %d, emitted %d", f, body, f.BodySize)
	}
	return translations(l.Slice(), 0), transRecreated, nil
}
