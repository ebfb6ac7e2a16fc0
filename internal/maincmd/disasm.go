package maincmd

import (
	"context"
	"fmt"

	"github.com/mna/mainer"

	"github.com/ascrivener/rio/pkg/asm"
	"github.com/ascrivener/rio/pkg/ir"
)

func (c *Cmd) Disasm(ctx context.Context, stdio mainer.Stdio, args []string) error {
	p, err := c.load(args[0])
	if err != nil {
		return printError(stdio, err)
	}
	fmt.Fprint(stdio.Stdout, asm.Disasm(p.prog))
	return nil
}

// Bb builds each requested block into the cache and prints the list the
// builder produced followed by the emitted fragment.
func (c *Cmd) Bb(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return printError(stdio, c.dumpBlocks(stdio, args[0], args[1:]))
}

func (c *Cmd) dumpBlocks(stdio mainer.Stdio, file string, addrs []string) (err error) {
	p, err := c.load(file)
	if err != nil {
		return err
	}
	e, err := c.newEngine(stdio, p)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	t, err := e.NewThread(p.prog.Entry)
	if err != nil {
		return err
	}
	for _, s := range addrs {
		tag, err := p.addr(s)
		if err != nil {
			return err
		}
		l, info, err := e.BuildBlock(t, tag)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdio.Stdout, "block %s (%#x): %d instructions, %d exits\n", s, tag, info.Instrs, len(info.Exits))
		fmt.Fprint(stdio.Stdout, ir.DisassembleList(l, tag))
		f, err := e.Emit(t, tag, l, info)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdio.Stdout, "fragment %s\n", f)
		fmt.Fprint(stdio.Stdout, ir.DisassembleBytes(e.Code(f), f.Start, true))
		for _, x := range f.Exits {
			fmt.Fprintf(stdio.Stdout, "  exit %s\n", x)
		}
		fmt.Fprintln(stdio.Stdout)
	}
	return nil
}
