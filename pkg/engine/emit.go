package engine

import (
	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fcache"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
)

// Emit encodes the mangled list l built for tag into t's code cache and
// registers the fragment. If another thread registered a fragment of the
// same kind for tag first, that fragment is returned and l's copy is freed.
// l is consumed.
func (e *Engine) Emit(t *Thread, tag uint64, l *ir.InstrList, info BuildInfo) (*fragment.Fragment, error) {
	info.Tag = tag
	f, err := e.encode(t, l, info)
	l.Destroy()
	if err != nil {
		return nil, err
	}
	return e.register(t, t.set, f)
}

// padRelFields inserts nops so that the rel32 field of every pc-relative
// instruction is 4-byte aligned relative to the fragment entry. Units and
// allocations are 8-aligned, so the field is aligned in the cache too.
func padRelFields(l *ir.InstrList) {
	off := 0
	for in := range l.All() {
		if rel := ir.RelFieldOffset(in.Opcode()); rel >= 0 {
			for (off+rel)%4 != 0 {
				nop := ir.NewNop()
				nop.SetMeta(true)
				l.InsertBefore(in, nop)
				off += nop.Length()
			}
		}
		off += in.Length()
	}
}

func (e *Engine) wantTranslations(info BuildInfo) bool {
	return info.Emit&instrument.EmitStoreTranslations != 0 ||
		e.opts.StoreTranslations ||
		info.Flags&fragment.FlagTrace != 0 ||
		info.Writable
}

// encode lays out, allocates and writes the fragment for l. The fragment is
// not yet visible to other threads.
func (e *Engine) encode(t *Thread, l *ir.InstrList, info BuildInfo) (*fragment.Fragment, error) {
	set := t.set
	padRelFields(l)
	body := ir.Layout(l, 0)
	if body > e.opts.MaxFragmentBody {
		e.log.Error("fragment body too large", dlog.Hex("tag", info.Tag), zap.Int("size", body), zap.Int("max", e.opts.MaxFragmentBody))
		return nil, rerrors.Wrap(ErrBlockTooLarge, "emit", info.Tag)
	}
	bodyInstrs := l.Slice()

	stubs := make([]*ir.Instr, len(info.Exits))
	unlinked := make([]*ir.Instr, len(info.Exits))
	for i, x := range info.Exits {
		ord := uint16(i)
		exit := ir.NewExit(ord)
		exit.SetMeta(true)
		stubs[i] = exit
		if x.Kind == fragment.ExitIndirect {
			lookup := ir.NewIBL(x.Branch, ord)
			lookup.SetMeta(true)
			l.Append(lookup)
			stubs[i] = lookup
		}
		l.Append(exit)
		unlinked[i] = exit
	}
	var ctis []*ir.Instr
	for _, in := range bodyInstrs {
		if !in.IsExitCTI() {
			continue
		}
		ord, ok := in.Note().(uint16)
		if !ok || int(ord) >= len(info.Exits) {
			return nil, rerrors.Assertf("block %#x: exit branch %s without a valid ordinal", info.Tag, in)
		}
		in.SetTarget(ir.NewInstrPC(unlinked[ord]))
		ctis = append(ctis, in)
	}
	if len(ctis) != len(info.Exits) {
		return nil, rerrors.Assertf("block %#x: %d exit branches for %d exits", info.Tag, len(ctis), len(info.Exits))
	}

	total := ir.Layout(l, 0)
	start, err := e.allocate(t, info.Tag, total)
	if err != nil {
		return nil, err
	}
	code, err := ir.EncodeList(l, start)
	if err == nil && len(code) != total {
		err = rerrors.Assertf("block %#x: encoded %d bytes, laid out %d", info.Tag, len(code), total)
	}
	if err != nil {
		if ferr := set.cache.Free(t.held, start, total); ferr != nil {
			e.log.Error("free after failed encode", zap.Error(ferr))
		}
		return nil, err
	}
	copy(set.cache.Bytes(start, total), code)

	flags := info.Flags
	if set.owner < 0 {
		flags |= fragment.FlagShared
	}
	store := e.wantTranslations(info)
	if store {
		flags |= fragment.FlagHasTranslation
	}
	f := fragment.New(info.Tag, start, total, flags)
	f.BodySize = body
	f.Ranges = info.Ranges
	f.Blocks = info.Blocks
	f.CodeHash = info.CodeHash
	f.Owner = set.owner
	f.Instrs = info.Instrs
	f.Exits = make([]*fragment.Linkstub, len(info.Exits))
	for _, in := range ctis {
		ord := in.Note().(uint16)
		x := info.Exits[ord]
		cti := int(in.EncodedPC() - start)
		f.Exits[ord] = &fragment.Linkstub{
			Owner:      f,
			Ord:        ord,
			Kind:       x.Kind,
			Target:     x.Target,
			Branch:     x.Branch,
			Vector:     x.Vector,
			AppPC:      x.AppPC,
			CTIOffset:  cti,
			RelOffset:  cti + ir.RelFieldOffset(in.Opcode()),
			StubOffset: int(stubs[ord].EncodedPC() - start),
		}
	}
	if store {
		f.Translations = translations(bodyInstrs, start)
	}
	if e.log.Enabled(dlog.Emit, 3) {
		e.log.Log(dlog.Emit, 3, "emitted", zap.Stringer("fragment", f), zap.Int("body", body), zap.Int("exits", len(f.Exits)))
	}
	return f, nil
}

// translations maps every encoded body instruction to its application pc.
// Meta instructions take the translation of the next application
// instruction, or of the previous one at the end of the body.
func translations(body []*ir.Instr, start uint64) []fragment.TransEntry {
	out := make([]fragment.TransEntry, 0, len(body))
	waiting := 0
	var prev uint64
	for _, in := range body {
		if in.Length() == 0 {
			continue
		}
		ent := fragment.TransEntry{CacheOff: uint32(in.EncodedPC() - start), AppPC: prev}
		if pc, ok := in.Translation(); ok && !in.IsMeta() {
			for i := waiting; i < len(out); i++ {
				out[i].AppPC = pc
			}
			ent.AppPC = pc
			prev = pc
			out = append(out, ent)
			waiting = len(out)
			continue
		}
		out = append(out, ent)
	}
	return out
}

// allocate reserves size bytes in t's cache, evicting once on failure.
func (e *Engine) allocate(t *Thread, tag uint64, size int) (uint64, error) {
	c := t.set.cache
	pc, err := c.Alloc(t.held, size)
	if rerrors.Is(err, fcache.ErrNoSpace) {
		if err = e.Evict(t, size); err == nil {
			pc, err = c.Alloc(t.held, size)
		}
	}
	if err == nil {
		return pc, nil
	}
	if rerrors.Is(err, fcache.ErrTooLarge) {
		return 0, rerrors.Wrap(ErrBlockTooLarge, "emit", tag)
	}
	var ce *CacheExhaustedError
	if rerrors.As(err, &ce) {
		return 0, err
	}
	return 0, &CacheExhaustedError{Cache: c.Name(), Size: size, Cause: err}
}

// register makes f visible: it is added to the table and region index,
// marked as the owner of its cache entry and linked. The application bytes
// f was built from are checked once more under the region lock, which
// flushes also take, so a write racing the build either shows up here or
// flushes f afterwards.
func (e *Engine) register(t *Thread, set *cacheSet, f *fragment.Fragment) (*fragment.Fragment, error) {
	h := t.held
	for _, r := range f.Ranges {
		e.mem.MarkCode(r.Start, r.End-r.Start)
	}
	set.regions.Lock().Lock(h)
	defer set.regions.Lock().Unlock(h)
	if e.memoryHash(f.Ranges) != f.CodeHash {
		e.discard(t, set, f)
		return nil, errCodeChanged
	}

	set.table.Lock().Lock(h)
	defer set.table.Lock().Unlock(h)
	cur := set.table.LookupBB(f.Tag)
	if f.IsTrace() {
		cur = set.table.LookupTrace(f.Tag)
	}
	if cur != nil {
		e.stats.RaceLostBuilds.Inc()
		e.log.Log(dlog.Emit, 2, "lost build race", dlog.Hex("tag", f.Tag), zap.Int("thread", t.ID))
		e.discard(t, set, f)
		return cur, nil
	}
	if !f.IsTrace() && set.table.IsHead(f.Tag) {
		f.SetFlags(fragment.FlagTraceHead)
	}
	if err := set.table.Add(f); err != nil {
		e.discard(t, set, f)
		return nil, err
	}
	set.regions.Add(f)
	set.cache.SetOwner(h, f.Start, f)
	e.link(h, set, f)
	if f.IsTrace() {
		e.stats.TracesBuilt.Inc()
	} else {
		e.stats.BlocksBuilt.Inc()
	}
	e.log.Log(dlog.Cache, 2, "registered", zap.Stringer("fragment", f), zap.String("cache", set.name))
	return f, nil
}

// discard frees a fragment that never became visible.
func (e *Engine) discard(t *Thread, set *cacheSet, f *fragment.Fragment) {
	f.SetState(fragment.StateDeleted)
	if err := set.cache.Free(t.held, f.Start, f.Size); err != nil {
		e.log.Error("free of unregistered fragment", zap.Stringer("fragment", f), zap.Error(err))
	}
}
