package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryHasShippedBackends(t *testing.T) {
	r := NewDefaultRegistry()

	for _, name := range []string{"local", "pbs", "lsf", "yarn"} {
		b, err := r.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, b.Name())
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope")
	assert.Error(t, err)
}
