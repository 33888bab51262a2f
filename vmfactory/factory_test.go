package vmfactory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternlang/tern/asm"
	"github.com/ternlang/tern/linker"
	"github.com/ternlang/tern/values"
)

const program = `
func F_main 1
    bind n
    lookup n
    push &F_double
    async 1
    wait 0
    return

func F_double 1
    bind x
    lookup x
    lookup x
    add
    return
`

func link(t *testing.T, numArgs int) *linker.Executable {
	t.Helper()
	defs, err := asm.ParseProgram(program)
	require.NoError(t, err)
	exe, err := linker.Link(defs, "factory-test", "F_main", numArgs)
	require.NoError(t, err)
	return exe
}

func TestCallAcrossConfigurations(t *testing.T) {
	cases := []struct {
		name string
		opts Options
	}{
		{"cooperative memory", Options{}},
		{"parallel memory", Options{Parallel: true}},
		{"cooperative sqlite", Options{Backend: BackendSQLite}},
		{"parallel sqlite", Options{Backend: BackendSQLite, Parallel: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt, err := New(link(t, 1), tc.opts)
			require.NoError(t, err)
			defer rt.Close()

			result, err := rt.Call(context.Background(), "F_main", []*values.Value{values.NewInt(21)})
			require.NoError(t, err)
			assert.True(t, result.Equal(values.NewInt(42)))
		})
	}
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(link(t, 1), Options{Backend: "redis"})
	assert.Error(t, err)
}

func TestCallUnknownFunction(t *testing.T) {
	rt, err := New(link(t, 0), Options{})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Call(context.Background(), "F_ghost", nil)
	assert.Error(t, err)
}
