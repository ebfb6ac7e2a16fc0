// Package inscount counts executed application instructions. Each block
// adds its own instruction count to a counter on entry.
package inscount

import (
	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
)

type Counter struct {
	mem  *appmem.Memory
	addr uint64
}

func New(mem *appmem.Memory) (*Counter, error) {
	addr, err := mem.MapClient("inscount", appmem.PageSize)
	if err != nil {
		return nil, err
	}
	return &Counter{mem: mem, addr: addr}, nil
}

func (c *Counter) Register(r *instrument.Registry) {
	r.OnBlockBuild(c.block)
}

func (c *Counter) block(_ *instrument.Context, _ uint64, l *ir.InstrList, _, _ bool) instrument.EmitFlags {
	n := 0
	for in := range l.All() {
		if in.IsApp() {
			n++
		}
	}
	if n == 0 {
		return instrument.EmitDefault
	}
	in := ir.NewAddm(c.addr, int32(n))
	in.SetMeta(true)
	l.Prepend(in)
	return instrument.EmitDefault
}

// Count returns the number of instructions counted so far. A block that
// faults part way through has already been counted whole.
func (c *Counter) Count() (uint64, error) { return c.mem.ReadU64(c.addr) }
