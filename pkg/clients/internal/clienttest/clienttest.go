// Package clienttest loads and runs small programs for client tests.
package clienttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/asm"
	"github.com/ascrivener/rio/pkg/config"
	"github.com/ascrivener/rio/pkg/engine"
	"github.com/ascrivener/rio/pkg/instrument"
)

const Origin = 0x10000

// SumSrc adds 100 down to 1 and doubles the result in a call: 5 distinct
// blocks, 103 block executions and 307 instructions.
const SumSrc = `
.entry start
start:
	mov r1, 0
	mov r2, 100
loop:
	add r1, r2
	subi r2, 1
	jne loop
	call double
	mov r0, r1
	ret
double:
	add r1, r1
	ret
`

// Load assembles src at Origin into a fresh address space.
func Load(t *testing.T, src string) (*appmem.Memory, *asm.Program) {
	t.Helper()
	p, err := asm.Assemble(src, Origin)
	require.NoError(t, err)
	mem := appmem.New()
	require.NoError(t, mem.LoadImage(appmem.Image{
		Name:       "app",
		Origin:     p.Origin,
		Code:       p.Code,
		DataOrigin: p.DataOrigin,
		Data:       p.Data,
		Entry:      p.Entry,
	}))
	return mem, p
}

// Run runs the program from the code cache with hooks registered and
// returns its exit status.
func Run(t *testing.T, mem *appmem.Memory, p *asm.Program, opts config.Options, hooks *instrument.Registry) int {
	t.Helper()
	opts.CheckLockRanks = true
	e, err := engine.New(mem, opts, engine.WithHooks(hooks))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, err := e.Run(ctx, p.Entry)
	require.NoError(t, err)
	return status
}
