package maincmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mna/mainer"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/asm"
	"github.com/ascrivener/rio/pkg/config"
	"github.com/ascrivener/rio/pkg/dlog"
	"github.com/ascrivener/rio/pkg/engine"
)

const defaultOrigin = 0x10000

// program is an assembled file mapped into a fresh address space.
type program struct {
	name string
	mem  *appmem.Memory
	prog *asm.Program
}

func (c *Cmd) origin() (uint64, error) {
	if c.Origin == "" {
		return defaultOrigin, nil
	}
	v, err := strconv.ParseUint(c.Origin, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid origin: %w", err)
	}
	return v, nil
}

func (c *Cmd) load(file string) (*program, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	origin, err := c.origin()
	if err != nil {
		return nil, err
	}
	p, err := asm.Assemble(string(src), origin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	mem := appmem.New()
	if err := mem.LoadImage(appmem.Image{
		Name:       name,
		Origin:     p.Origin,
		Code:       p.Code,
		DataOrigin: p.DataOrigin,
		Data:       p.Data,
		Entry:      p.Entry,
	}); err != nil {
		return nil, err
	}
	return &program{name: name, mem: mem, prog: p}, nil
}

// options layers the config file, the environment and the option string
// over the defaults.
func (c *Cmd) options() (config.Options, error) {
	o := config.Default()
	if c.Config != "" {
		if err := o.LoadFile(c.Config); err != nil {
			return o, err
		}
	}
	if err := o.LoadEnv(); err != nil {
		return o, err
	}
	if err := o.Parse(c.Options); err != nil {
		return o, err
	}
	return o, o.Validate()
}

func (c *Cmd) newEngine(stdio mainer.Stdio, p *program, options ...engine.Option) (*engine.Engine, error) {
	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	mask, err := dlog.ParseMask(c.LogMask)
	if err != nil {
		return nil, err
	}
	options = append([]engine.Option{
		engine.WithOutput(stdio.Stdout),
		engine.WithLogger(dlog.New(stdio.Stderr, mask, c.LogLevel)),
	}, options...)
	return engine.New(p.mem, opts, options...)
}

// addr resolves a label of p or a numeric address.
func (p *program) addr(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	v, ok := p.prog.Labels[s]
	if !ok {
		return 0, fmt.Errorf("unknown label: %s", s)
	}
	return v, nil
}
