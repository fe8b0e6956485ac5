package btcunit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTxSizeConversion checks that the conversion between weight units and
// virtual bytes is correct.
func TestTxSizeConversion(t *testing.T) {
	t.Parallel()

	// 1000 wu should be equal to 250 vb and back.
	wu := NewWeightUnit(1000)
	require.Equal(t, NewVByte(250), wu.ToVB())
	require.Equal(t, wu, NewVByte(250).ToWU())

	// Partial vbytes round up.
	require.Equal(t, uint64(251), NewWeightUnit(1001).ToVB().Val())

	// Sizes add up in weight units.
	sum := NewVByte(100).Add(NewWeightUnit(2).ToVB())
	require.Equal(t, uint64(402), sum.ToWU().Val())
}

// TestTxSizeStringer tests the stringer methods of the tx size types.
func TestTxSizeStringer(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1000 wu", NewWeightUnit(1000).String())
	require.Equal(t, "250 vb", NewVByte(250).String())
}
