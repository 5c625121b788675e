package symbols

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

// stubLoader hands back canned modules, standing in for the format front
// ends.
type stubLoader struct {
	name    string
	decline bool
}

var errStubDecline = errors.New("format not present")

func (s *stubLoader) Name() string { return s.name }

func (s *stubLoader) Load(filename string, options LoadOptions) (*Module, error) {
	if s.decline {
		return nil, errStubDecline
	}
	return NewModule(filename, 0x400000, MachineX86), nil
}

func TestRegistryLoaderChain(t *testing.T) {
	registry := NewRegistry([]Loader{
		&stubLoader{name: "first", decline: true},
		&stubLoader{name: "second"},
	}, logr.Discard())

	module, err := registry.LoadModule("kernel.elf", LoadOptions{Timestamp: 100})
	require.NoError(t, err)
	require.Equal(t, "kernel.elf", module.Filename)
	require.Equal(t, int64(100), module.Timestamp)
	require.Len(t, registry.Modules(), 1)
}

func TestRegistryAllLoadersDecline(t *testing.T) {
	registry := NewRegistry([]Loader{
		&stubLoader{name: "first", decline: true},
		&stubLoader{name: "second", decline: true},
	}, logr.Discard())

	_, err := registry.LoadModule("kernel.elf", LoadOptions{})
	require.ErrorIs(t, err, errStubDecline)
	require.Empty(t, registry.Modules())
}

func TestRegistrySignature(t *testing.T) {
	registry := NewRegistry([]Loader{&stubLoader{name: "stub"}}, logr.Discard())
	require.Zero(t, registry.Signature())

	first, err := registry.LoadModule("a.elf", LoadOptions{Timestamp: 7})
	require.NoError(t, err)
	afterFirst := registry.Signature()
	require.Equal(t, uint64(0x400000+7), afterFirst)

	second, err := registry.LoadModule("b.elf", LoadOptions{Timestamp: 9, ImageBase: 0x500000})
	require.NoError(t, err)
	require.Equal(t, afterFirst+0x500000+9, registry.Signature())

	require.True(t, registry.UnloadModule(second))
	require.Equal(t, afterFirst, registry.Signature())
	require.False(t, registry.UnloadModule(second))

	require.True(t, registry.UnloadModule(first))
	require.Zero(t, registry.Signature())
}

func TestRegistryModuleForAddress(t *testing.T) {
	registry := NewRegistry([]Loader{&stubLoader{name: "stub"}}, logr.Discard())

	low, err := registry.LoadModule("low.elf", LoadOptions{})
	require.NoError(t, err)
	high, err := registry.LoadModule("high.elf", LoadOptions{ImageBase: 0x800000})
	require.NoError(t, err)

	require.Same(t, low, registry.ModuleForAddress(0x400500))
	require.Same(t, high, registry.ModuleForAddress(0x800500))
	require.Nil(t, registry.ModuleForAddress(0x100))
}
