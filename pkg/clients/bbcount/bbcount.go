// Package bbcount counts executed basic blocks with an inline increment of
// a counter in client memory at the top of every block.
package bbcount

import (
	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
)

// Counter is a block counter living in a client region of the application
// address space.
type Counter struct {
	mem  *appmem.Memory
	addr uint64
}

// New maps the counter into mem.
func New(mem *appmem.Memory) (*Counter, error) {
	addr, err := mem.MapClient("bbcount", appmem.PageSize)
	if err != nil {
		return nil, err
	}
	return &Counter{mem: mem, addr: addr}, nil
}

// Register adds the block hook to r. Blocks built into traces and blocks
// rebuilt for translation get the same increment so that every path
// through the cache counts once per block.
func (c *Counter) Register(r *instrument.Registry) {
	r.OnBlockBuild(c.block)
}

func (c *Counter) block(_ *instrument.Context, _ uint64, l *ir.InstrList, _, _ bool) instrument.EmitFlags {
	in := ir.NewAddm(c.addr, 1)
	in.SetMeta(true)
	l.Prepend(in)
	return instrument.EmitDefault
}

// Count returns the number of blocks executed so far.
func (c *Counter) Count() (uint64, error) { return c.mem.ReadU64(c.addr) }
