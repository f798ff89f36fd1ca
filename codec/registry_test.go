package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segidx/store"
)

func TestRegistry_UnknownCodec(t *testing.T) {
	r := NewRegistry()
	_, err := r.ForName("Seg99")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.True(t, errors.Is(err, store.ErrUnsupportedFormat))

	var ufe *UnsupportedFormatError
	require.ErrorAs(t, err, &ufe)
	assert.Equal(t, "Seg99", ufe.Format)
}

func TestRegistry_NoDefault(t *testing.T) {
	_, err := NewRegistry().Default()
	assert.Error(t, err)
}

func TestRegistry_RejectsIncompleteCodec(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.Register(&Codec{Name: "half"}) })
	assert.Error(t, r.SetDefault("half"))
}
