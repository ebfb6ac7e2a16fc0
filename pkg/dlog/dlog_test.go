package dlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMask(t *testing.T) {
	cases := []struct {
		in   string
		want Mask
		err  bool
	}{
		{"", None, false},
		{"all", All, false},
		{"dispatch,cache", Dispatch | Cache, false},
		{" Links , flush ", Links | Flush, false},
		{"0x3", Dispatch | Interp, false},
		{"12", Emit | Cache, false},
		{"bogus", None, true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParseMask(c.in)
			if c.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "all", All.String())
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "dispatch,links", (Dispatch | Links).String())
}

func TestLogFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Dispatch|Cache, 2)

	l.Log(Dispatch, 1, "visible-dispatch")
	l.Log(Cache, 2, "visible-cache")
	l.Log(Cache, 3, "too-verbose")
	l.Log(Links, 0, "masked-out")
	require.NoError(t, l.Close())

	out := buf.String()
	assert.True(t, strings.Contains(out, "visible-dispatch"))
	assert.True(t, strings.Contains(out, "visible-cache"))
	assert.False(t, strings.Contains(out, "too-verbose"))
	assert.False(t, strings.Contains(out, "masked-out"))
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	assert.False(t, l.Enabled(All, 0))
	l.Log(All, 0, "dropped")
	assert.NoError(t, l.Close())

	var nilLogger *Logger
	assert.False(t, nilLogger.Enabled(All, 0))
	nilLogger.Log(Dispatch, 0, "nil logger is safe")
}
