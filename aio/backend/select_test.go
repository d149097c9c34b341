package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToClassicBackend(t *testing.T) {
	b, err := New(Config{}, nil)
	require.NoError(t, err)
	defer b.Close()

	require.Greater(t, b.EventFD(), -1)
}

func TestNewUnknownNameFallsBackToClassic(t *testing.T) {
	b, err := New(Config{Name: Name("bogus")}, nil)
	require.NoError(t, err)
	defer b.Close()
}

func TestNewAcceptsZeroEntries(t *testing.T) {
	cfg := Config{}
	require.Equal(t, uint32(0), cfg.Entries)

	b, err := New(cfg, nil)
	require.NoError(t, err)
	defer b.Close()
}
