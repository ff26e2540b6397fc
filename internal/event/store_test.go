package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg, err := config.Parse([]byte(`
memories:
  - id: primary
    size: 2
events:
  - {id: 1, name: oil_pressure, indicator: true}
  - {id: 2, name: coolant_temp, confirmation_threshold: 2}
  - {id: 3, name: spare_sensor, unavailable: true}
`))
	require.NoError(t, err)
	return NewStore(cfg)
}

func TestInitialState(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, status.Initial, s.Status(1))
	assert.True(t, s.IsAvailable(1))
	assert.Equal(t, StoredNone, s.StoredStatus(1))

	assert.Zero(t, s.Status(3))
	assert.False(t, s.IsAvailable(3))

	assert.Zero(t, s.Status(config.EventInvalid))
	assert.Zero(t, s.Status(42))
	assert.False(t, s.IsValid(42))
}

func TestApplyFailedConfirmsWithIndicator(t *testing.T) {
	s := newStore(t)
	old, next := s.ApplyFailed(1)
	assert.Equal(t, status.Initial, old)
	assert.Equal(t, status.UDS(0xAF), next)
	assert.Equal(t, FdcFailed, s.FDC(1))
	assert.Equal(t, uint8(1), s.TripCount(1))
}

func TestConfirmationThreshold(t *testing.T) {
	s := newStore(t)

	_, next := s.ApplyFailed(2)
	assert.Equal(t, status.UDS(0x27), next)
	s.ApplyFailed(2)
	assert.Equal(t, uint8(1), s.TripCount(2), "повторный отказ в цикле не считается")

	_, next = s.RestartCycle(2)
	assert.Equal(t, status.UDS(0x65), next)

	_, next = s.ApplyFailed(2)
	assert.Equal(t, status.UDS(0x2F), next)
	assert.Equal(t, uint8(2), s.TripCount(2))
}

func TestPassedCycleDropsPending(t *testing.T) {
	s := newStore(t)
	s.ApplyFailed(1)
	_, next := s.ApplyPassed(1)
	assert.Equal(t, status.UDS(0xAE), next)
	assert.Equal(t, FdcPassed, s.FDC(1))

	// цикл с отказом сохраняет PDTC
	_, next = s.RestartCycle(1)
	assert.Equal(t, status.UDS(0xEC), next)

	s.ApplyPassed(1)
	_, next = s.RestartCycle(1)
	assert.Equal(t, status.UDS(0x68), next)
	assert.Equal(t, uint8(1), s.TripCount(1), "подтвержденное событие сохраняет счетчик")
}

func TestFDC(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, int8(0), s.SetFDC(1, 30))
	assert.Equal(t, int8(30), s.SetFDC(1, -10))
	assert.Equal(t, int8(-10), s.FDC(1))
	assert.Equal(t, int8(30), s.MaxFDC(1))

	s.RestartCycle(1)
	assert.Zero(t, s.MaxFDC(1))

	s.SetFDC(1, 60)
	s.ResetDebounce(1)
	assert.Zero(t, s.FDC(1))
	assert.Zero(t, s.MaxFDC(1))
}

func TestDisconnectReconnect(t *testing.T) {
	s := newStore(t)
	s.ApplyFailed(1)

	assert.True(t, s.Disconnect(1))
	assert.False(t, s.Disconnect(1))
	assert.Zero(t, s.Status(1))
	assert.Zero(t, s.TripCount(1))

	old, next := s.RestartCycle(1)
	assert.Equal(t, old, next)

	_, next = s.Reset(1)
	assert.Zero(t, next, "отключенное событие очищается в ноль")

	assert.True(t, s.Reconnect(1))
	assert.False(t, s.Reconnect(1))
	assert.Equal(t, status.Initial, s.Status(1))

	assert.True(t, s.Reconnect(3))
	assert.True(t, s.IsAvailable(3))
}

func TestQualifiedAndUserWIR(t *testing.T) {
	s := newStore(t)
	s.Qualify(1, status.CDTC|status.PDTC)
	s.Unqualify(1, status.PDTC)
	assert.Equal(t, status.CDTC, s.Qualified(1))

	s.SetUserWIR(2, true)
	assert.True(t, s.UserWIR(2))

	_, next := s.Reset(1)
	assert.Equal(t, status.Initial, next)
	assert.Zero(t, s.Qualified(1))
}

func TestSnapshotRestore(t *testing.T) {
	s := newStore(t)
	s.ApplyFailed(1)
	s.ApplyFailed(2)
	s.SetStoredStatus(1, StoredAging)
	snap := s.Snapshot()
	require.Len(t, snap, 4*3)

	other := newStore(t)
	other.Restore(snap)
	assert.Equal(t, status.UDS(0xAF), other.Status(1))
	assert.Equal(t, StoredAging, other.StoredStatus(1))
	assert.Equal(t, uint8(1), other.TripCount(2))
	assert.Zero(t, other.Status(3), "отключенное событие не восстанавливает статус")
	assert.Equal(t, "aging", other.StoredStatus(1).String())
}
