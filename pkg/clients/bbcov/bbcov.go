// Package bbcov records which application basic blocks were built, as
// offsets into the module that holds them. A block is built the first time
// it is about to run, so the table is the set of blocks executed at least
// once.
package bbcov

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
)

// Block is one covered block.
type Block struct {
	Module string `msgpack:"module"`
	Offset uint64 `msgpack:"offset"`
	Size   uint32 `msgpack:"size"`
	Instrs uint16 `msgpack:"instrs"`
}

// Coverage accumulates blocks from every thread.
type Coverage struct {
	mem *appmem.Memory

	mu     sync.Mutex
	blocks map[uint64]Block
}

func New(mem *appmem.Memory) *Coverage {
	return &Coverage{mem: mem, blocks: make(map[uint64]Block)}
}

func (c *Coverage) Register(r *instrument.Registry) {
	r.OnBlockBuild(c.block)
}

func (c *Coverage) block(_ *instrument.Context, tag uint64, l *ir.InstrList, _, translating bool) instrument.EmitFlags {
	if translating {
		return instrument.EmitDefault
	}
	c.mu.Lock()
	_, seen := c.blocks[tag]
	c.mu.Unlock()
	if seen {
		return instrument.EmitDefault
	}

	var n int
	end := tag
	for in := range l.All() {
		if !in.IsApp() {
			continue
		}
		n++
		if pc, ok := in.Translation(); ok && pc+uint64(in.Length()) > end {
			end = pc + uint64(in.Length())
		}
	}
	b := Block{Offset: tag, Size: uint32(end - tag), Instrs: uint16(min(n, 0xffff))}
	if reg, ok := c.mem.RegionAt(tag); ok {
		b.Module, b.Offset = reg.Name, tag-reg.Base
	}

	c.mu.Lock()
	c.blocks[tag] = b
	c.mu.Unlock()
	return instrument.EmitDefault
}

// Blocks returns the covered blocks ordered by module and offset.
func (c *Coverage) Blocks() []Block {
	c.mu.Lock()
	out := make([]Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Block) int {
		if r := cmp.Compare(a.Module, b.Module); r != 0 {
			return r
		}
		return cmp.Compare(a.Offset, b.Offset)
	})
	return out
}

// WriteText writes the table in the drcov-like text form.
func (c *Coverage) WriteText(w io.Writer) error {
	blocks := c.Blocks()
	if _, err := fmt.Fprintf(w, "BB Table: %d bbs\n", len(blocks)); err != nil {
		return err
	}
	for _, b := range blocks {
		if _, err := fmt.Fprintf(w, "module[%s]: %#x, %d, %d\n", b.Module, b.Offset, b.Size, b.Instrs); err != nil {
			return err
		}
	}
	return nil
}

// WriteBinary writes the table msgpack-encoded; ReadBinary reads it back.
func (c *Coverage) WriteBinary(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(c.Blocks())
}

func ReadBinary(r io.Reader) ([]Block, error) {
	var blocks []Block
	if err := msgpack.NewDecoder(r).Decode(&blocks); err != nil {
		return nil, fmt.Errorf("failed to decode coverage: %w", err)
	}
	return blocks, nil
}
