package freezeframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/status"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

const testConfig = `
features:
  obd: obd2
memories:
  - id: primary
    size: 4
obd_freeze_frame_slots: 2
obd_freeze_frame_size: 4
events:
  - {id: 1, name: misfire, obd_relevant: true}
  - {id: 2, name: lambda, obd_relevant: true}
  - {id: 3, name: egr, obd_relevant: true}
`

type fakeStatus map[config.EventID]status.UDS

func (f fakeStatus) Status(id config.EventID) status.UDS {
	return f[id]
}

type fakeDTC map[config.EventID]status.UDS

func (f fakeDTC) InternalStatus(id config.EventID) status.UDS {
	return f[id]
}

type fakeCollector struct {
	calls int
}

func (c *fakeCollector) CollectObdFreezeFrame(id config.EventID, data, dataF0 []byte) {
	c.calls++
	for i := range data {
		data[i] = byte(id)
	}
}

type fakeNvM struct {
	states map[storage.BlockID]storage.BlockState
}

func (n *fakeNvM) SetBlockState(id storage.BlockID, state storage.BlockState) {
	if n.states == nil {
		n.states = make(map[storage.BlockID]storage.BlockState)
	}
	n.states[id] = state
}

func newTestMemory(t *testing.T, st fakeStatus) (*Memory, *fakeCollector, *fakeNvM) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	col := &fakeCollector{}
	nv := &fakeNvM{}
	return NewMemory(cfg, st, col, nv), col, nv
}

func TestStoreAllocatesAndCollects(t *testing.T) {
	st := fakeStatus{1: status.CDTC}
	m, col, nv := newTestMemory(t, st)

	require.True(t, m.Store(1))
	slot := m.FindSlot(1)
	require.NotEqual(t, SlotInvalid, slot)
	assert.True(t, m.Entries().IsVisible(slot))
	assert.Equal(t, 1, col.calls)
	assert.Equal(t, storage.BlockDirtyImmediate, nv.states[storage.BlockFreezeObd])

	data, ok := m.Data(1)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 1, 1, 1}, data)
}

func TestVisibleFrameIsNotOverwritten(t *testing.T) {
	st := fakeStatus{1: status.CDTC}
	m, col, _ := newTestMemory(t, st)

	require.True(t, m.Store(1))
	require.True(t, m.Store(1))
	assert.Equal(t, 1, col.calls)
}

func TestPendingFrameVisibility(t *testing.T) {
	st := fakeStatus{1: status.PDTC}
	m, col, _ := newTestMemory(t, st)

	require.True(t, m.Store(1))
	slot := m.FindSlot(1)
	assert.False(t, m.Entries().IsVisible(slot))
	assert.Equal(t, SlotInvalid, m.Mode02Slot())

	require.True(t, m.Store(1))
	assert.Equal(t, 2, col.calls, "невидимый кадр обновляется")

	st[1] = status.PDTC | status.CDTC
	assert.True(t, m.UpdateVisibility(1))
	assert.False(t, m.UpdateVisibility(1))
	assert.Equal(t, slot, m.Mode02Slot())
}

func TestDisplacementSkipsConfirmed(t *testing.T) {
	st := fakeStatus{1: status.CDTC, 2: status.PDTC, 3: status.PDTC}
	m, _, _ := newTestMemory(t, st)

	require.True(t, m.Store(1))
	require.True(t, m.Store(2))
	require.True(t, m.Store(3))

	assert.NotEqual(t, SlotInvalid, m.FindSlot(1))
	assert.Equal(t, SlotInvalid, m.FindSlot(2))
	assert.NotEqual(t, SlotInvalid, m.FindSlot(3))
}

func TestNoSlotWhenAllConfirmed(t *testing.T) {
	st := fakeStatus{1: status.CDTC, 2: status.CDTC, 3: status.CDTC}
	m, _, _ := newTestMemory(t, st)

	require.True(t, m.Store(1))
	require.True(t, m.Store(2))
	assert.False(t, m.Store(3))
	assert.Equal(t, SlotInvalid, m.selectSlot(3))
}

func TestDisplacedSlotUsesDTCStatus(t *testing.T) {
	m, _, _ := newTestMemory(t, fakeStatus{})
	m.SetDTCLayer(fakeDTC{1: status.CDTC})

	require.True(t, m.Store(1))
	require.True(t, m.Store(2))
	require.True(t, m.Store(3))

	assert.NotEqual(t, SlotInvalid, m.FindSlot(1), "подтвержденный по статусу DTC кадр остается")
	assert.Equal(t, SlotInvalid, m.FindSlot(2))
	assert.Equal(t, config.EventID(1), m.Mode02Event())
}

func TestMode02PicksOldestVisible(t *testing.T) {
	st := fakeStatus{1: status.CDTC, 2: status.CDTC}
	m, _, _ := newTestMemory(t, st)

	require.True(t, m.Store(2))
	require.True(t, m.Store(1))
	assert.Equal(t, config.EventID(2), m.Mode02Event())

	require.True(t, m.Clear(2))
	assert.Equal(t, config.EventID(1), m.Mode02Event())
	assert.False(t, m.Clear(2))
}

func TestSnapshotRestore(t *testing.T) {
	st := fakeStatus{1: status.CDTC, 2: status.PDTC}
	m, _, _ := newTestMemory(t, st)
	require.True(t, m.Store(1))
	require.True(t, m.Store(2))
	img := m.Snapshot()

	restored, _, _ := newTestMemory(t, st)
	require.NoError(t, restored.Restore(img))
	assert.Equal(t, m.FindSlot(1), restored.FindSlot(1))
	assert.Equal(t, config.EventID(1), restored.Mode02Event())

	require.Error(t, restored.Restore(img[:3]))
}
