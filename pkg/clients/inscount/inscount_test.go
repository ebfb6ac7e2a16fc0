package inscount

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/rio/pkg/clients/internal/clienttest"
	"github.com/ascrivener/rio/pkg/config"
	"github.com/ascrivener/rio/pkg/instrument"
)

func TestCountIsIndependentOfBlockShape(t *testing.T) {
	for name, mutate := range map[string]func(*config.Options){
		"default":     func(*config.Options) {},
		"hot":         func(o *config.Options) { o.TraceThreshold = 2 },
		"tiny-blocks": func(o *config.Options) { o.MaxBBInstrs = 1 },
		"two-instrs":  func(o *config.Options) { o.MaxBBInstrs = 2; o.TraceThreshold = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			mem, p := clienttest.Load(t, clienttest.SumSrc)
			c, err := New(mem)
			require.NoError(t, err)
			r := instrument.NewRegistry()
			c.Register(r)

			opts := config.Default()
			mutate(&opts)
			require.Equal(t, 10100, clienttest.Run(t, mem, p, opts, r))
			n, err := c.Count()
			require.NoError(t, err)
			require.Equal(t, uint64(307), n)
		})
	}
}
