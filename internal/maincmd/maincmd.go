package maincmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mna/mainer"
)

const binName = "rio"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> <file.s> [<arg>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> <file.s> [<arg>...]
       %[1]s -h|--help
       %[1]s -v|--version

Runs programs for the simulated guest machine out of a code cache.

The <command> can be one of:
       run                       Assemble the file and run it from the
                                 code cache. The process exits with the
                                 program's exit status.
       native                    Assemble the file and interpret it
                                 directly from its memory.
       disasm                    Assemble the file and print its
                                 disassembly.
       bb                        Build the basic blocks at the given
                                 labels or addresses and print their
                                 instruction list and cache bytes.
       stats                     Run the file from the code cache and
                                 print the engine statistics.

Valid flag options are:
       -h --help                 Show this help and exit.
       -v --version              Print version and exit.
       --config FILE             Load engine options from a JSON file.
       --options STRING          Engine options in option string form,
                                 e.g. "-trace_threshold 10 -thread_private".
                                 Applied after the config file and the
                                 RIO_* environment variables.
       --log-mask LIST           Log subsystems, comma-separated names
                                 or a numeric mask.
       --log-level N             Log verbosity, 0 to 6.
       --origin ADDR             Load address of the code (default
                                 0x10000).
       --client LIST             Sample clients to attach to run and
                                 stats: bbcount, inscount, bbcov.

More information on the %[1]s repository:
       https://github.com/ascrivener/rio
`, binName)
)

type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help    bool `flag:"h,help"`
	Version bool `flag:"v,version"`

	Config   string `flag:"config"`
	Options  string `flag:"options"`
	LogMask  string `flag:"log-mask"`
	LogLevel int    `flag:"log-level"`
	Origin   string `flag:"origin"`
	Client   string `flag:"client"`

	args   []string
	flags  map[string]bool
	cmdFn  func(context.Context, mainer.Stdio, []string) error
	status int
}

func (c *Cmd) SetArgs(args []string) {
	c.args = args
}

func (c *Cmd) SetFlags(flags map[string]bool) {
	c.flags = flags
}

func (c *Cmd) Validate() error {
	if c.Help || c.Version {
		return nil
	}

	if len(c.args) == 0 {
		return errors.New("no command specified")
	}

	cmdName := c.args[0]

	commands := buildCmds(c)
	c.cmdFn = commands[cmdName]
	if c.cmdFn == nil {
		return fmt.Errorf("unknown command: %s", c.args[0])
	}

	if len(c.args[1:]) == 0 {
		return fmt.Errorf("%s: a program file must be provided", cmdName)
	}
	if cmdName == "bb" && len(c.args[2:]) == 0 {
		return errors.New("bb: at least one label or address must be provided")
	}
	if c.flags["client"] && cmdName != "run" && cmdName != "stats" {
		return fmt.Errorf("%s: invalid flag 'client'", cmdName)
	}
	if c.LogLevel < 0 || c.LogLevel > 6 {
		return fmt.Errorf("invalid log level: %d", c.LogLevel)
	}
	return nil
}

func printError(stdio mainer.Stdio, err error) error {
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s\n", err)
	}
	return err
}

func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	p := mainer.Parser{
		EnvVars:   false, // engine options are read from RIO_* by the config layer
		EnvPrefix: binName + "_",
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Version:
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		return mainer.Success
	}

	ctx := mainer.CancelOnSignal(context.Background(), os.Interrupt)
	if err := c.cmdFn(ctx, stdio, c.args[1:]); err != nil {
		// each command takes care of printing its errors, just return with an error code
		return mainer.Failure
	}
	return mainer.ExitCode(c.status)
}

// valid commands are those that take a mainer.Stdio and a slice of strings as
// input, and return an error as output.
func buildCmds(v interface{}) map[string]func(context.Context, mainer.Stdio, []string) error {
	cmds := make(map[string]func(context.Context, mainer.Stdio, []string) error)

	vv := reflect.ValueOf(v)
	vt := vv.Type()
	for i := 0; i < vt.NumMethod(); i++ {
		m := vt.Method(i)
		mt := m.Type

		// must take 4 parameters (including receiver) and return 1
		if mt.NumIn() != 4 || mt.NumOut() != 1 {
			continue
		}

		if rt := mt.Out(0); rt.Kind() != reflect.Interface || rt.Name() != "error" {
			continue
		}
		if p0 := mt.In(0); p0.Kind() != reflect.Ptr || p0.Elem().Name() != "Cmd" {
			continue
		}
		if p1 := mt.In(1); p1.Kind() != reflect.Interface || p1.Name() != "Context" {
			continue
		}
		if p2 := mt.In(2); p2.Kind() != reflect.Struct || p2.Name() != "Stdio" {
			continue
		}
		if p3 := mt.In(3); p3.Kind() != reflect.Slice || p3.Elem().Name() != "string" {
			continue
		}
		cmds[strings.ToLower(m.Name)] = vv.Method(i).Interface().(func(context.Context, mainer.Stdio, []string) error)
	}
	return cmds
}
