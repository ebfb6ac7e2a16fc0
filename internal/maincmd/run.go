package maincmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mna/mainer"

	"github.com/ascrivener/rio/pkg/clients/bbcount"
	"github.com/ascrivener/rio/pkg/clients/bbcov"
	"github.com/ascrivener/rio/pkg/clients/inscount"
	"github.com/ascrivener/rio/pkg/engine"
	"github.com/ascrivener/rio/pkg/instrument"
)

func (c *Cmd) Run(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return printError(stdio, c.execute(ctx, stdio, args[0], false, false))
}

func (c *Cmd) Native(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return printError(stdio, c.execute(ctx, stdio, args[0], true, false))
}

func (c *Cmd) Stats(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return printError(stdio, c.execute(ctx, stdio, args[0], false, true))
}

func (c *Cmd) execute(ctx context.Context, stdio mainer.Stdio, file string, native, printStats bool) (err error) {
	p, err := c.load(file)
	if err != nil {
		return err
	}
	hooks := instrument.NewRegistry()
	reports, err := c.attachClients(p, hooks)
	if err != nil {
		return err
	}
	e, err := c.newEngine(stdio, p, engine.WithHooks(hooks))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if native {
		c.status, err = e.RunNative(ctx, p.prog.Entry)
	} else {
		c.status, err = e.Run(ctx, p.prog.Entry)
	}
	if err != nil {
		return err
	}
	for _, report := range reports {
		if err := report(stdio.Stderr); err != nil {
			return err
		}
	}
	if printStats {
		return e.Stats().WriteText(stdio.Stdout)
	}
	return nil
}

// attachClients registers the clients named by the --client flag and
// returns their end-of-run reports.
func (c *Cmd) attachClients(p *program, hooks *instrument.Registry) ([]func(io.Writer) error, error) {
	if c.Client == "" {
		return nil, nil
	}
	var reports []func(io.Writer) error
	for _, name := range strings.Split(c.Client, ",") {
		switch name = strings.TrimSpace(name); name {
		case "bbcount":
			bc, err := bbcount.New(p.mem)
			if err != nil {
				return nil, err
			}
			bc.Register(hooks)
			reports = append(reports, func(w io.Writer) error {
				n, err := bc.Count()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(w, "bbcount: %d basic blocks executed\n", n)
				return err
			})
		case "inscount":
			ic, err := inscount.New(p.mem)
			if err != nil {
				return nil, err
			}
			ic.Register(hooks)
			reports = append(reports, func(w io.Writer) error {
				n, err := ic.Count()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(w, "inscount: %d instructions executed\n", n)
				return err
			})
		case "bbcov":
			cov := bbcov.New(p.mem)
			cov.Register(hooks)
			reports = append(reports, cov.WriteText)
		default:
			return nil, fmt.Errorf("unknown client: %s", name)
		}
	}
	return reports, nil
}
