package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUDSBits(t *testing.T) {
	s := Initial
	assert.Equal(t, UDS(0x50), s)
	assert.True(t, s.Has(TNCSLC|TNCTOC))
	assert.False(t, s.Has(TNCSLC|TF))
	assert.True(t, s.Any(TNCSLC|TF))
	assert.False(t, s.Any(TF|CDTC))

	s = s.Set(TF | TFTOC).Reset(TNCTOC)
	assert.Equal(t, UDS(0x13), s)
}

func TestTransitions(t *testing.T) {
	old := Initial
	next := UDS(0x2F)
	assert.Equal(t, TF|TFTOC|PDTC|CDTC|TFSLC, Transitions(old, next))
	assert.Equal(t, TNCSLC|TNCTOC, Cleared(old, next))
	assert.Zero(t, Transitions(next, next))
}

func TestApplyCombinedStatus(t *testing.T) {
	tests := []struct {
		in, want UDS
	}{
		{Initial, Initial},
		{TFSLC | TNCSLC | TNCTOC, TFSLC | TNCTOC},
		{TFTOC | TNCTOC | TNCSLC, TFTOC | TNCSLC},
		{TF | TFTOC | TFSLC | TNCSLC | TNCTOC, TF | TFTOC | TFSLC},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ApplyCombinedStatus(tt.in), "0x%02X", uint8(tt.in))
	}
}

func TestIndicators(t *testing.T) {
	in := NewIndicators(4)

	assert.True(t, in.ApplyFailed(1, false, false, false))
	assert.Equal(t, SI30UDTC|SI30UDTCTOC|SI30UDTCSLC|SI30SSLC|SI30TFSLC, in.Get(1))

	// подтверждение снимает неподтвержденные биты, но не историю
	assert.True(t, in.ApplyFailed(1, true, true, true))
	got := in.Get(1)
	assert.False(t, got.Has(SI30UDTC))
	assert.False(t, got.Has(SI30UDTCTOC))
	assert.True(t, got.Has(SI30UDTCSLC|SI30WIRSLC|SI30ER))
	assert.False(t, in.ApplyFailed(1, true, true, true))

	in.ApplyFailed(2, false, false, false)
	in.ResetCycleBits()
	assert.False(t, in.Get(2).Has(SI30UDTCTOC))
	assert.True(t, in.Get(2).Has(SI30UDTC))

	assert.True(t, in.SetBits(3, SI30ADTC))
	assert.False(t, in.SetBits(3, SI30ADTC))
	assert.True(t, in.ResetBits(3, SI30ADTC))
	assert.True(t, in.Reset(1))
	assert.Zero(t, in.Get(1))

	assert.Zero(t, in.Get(10))
	assert.False(t, in.SetBits(10, SI30ADTC))
}

func TestIndicatorsSnapshotRestore(t *testing.T) {
	in := NewIndicators(3)
	in.SetBits(1, SI30ADTC)
	in.SetBits(2, SI30ER)
	snap := in.Snapshot()
	assert.Equal(t, []byte{0, byte(SI30ADTC), byte(SI30ER)}, snap)

	other := NewIndicators(3)
	other.SetBits(0, SI30TFSLC)
	other.Restore(snap[:2])
	assert.Zero(t, other.Get(0))
	assert.Equal(t, SI30ADTC, other.Get(1))
	assert.Zero(t, other.Get(2), "отсутствующие байты обнуляются")
}
