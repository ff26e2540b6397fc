package faultmemory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/opcycle"
	"github.com/serebryakov7/j1708-dem/internal/status"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

const storeConfig = `
features:
  aging_storage: independent
memories:
  - id: primary
    size: 2
  - id: secondary
    size: 1
permanent_slots: 1
events:
  - {id: 1, name: oil_pressure}
  - {id: 2, name: coolant_temp}
  - {id: 3, name: brake_air}
  - {id: 4, name: ambient, memory: secondary}
`

type fakeNvM struct {
	mu     sync.Mutex
	states map[storage.BlockID]storage.BlockState
}

func (f *fakeNvM) SetBlockState(id storage.BlockID, st storage.BlockState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = st
}

func (f *fakeNvM) state(id storage.BlockID) storage.BlockState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func newStore(t *testing.T) (*Store, *fakeNvM) {
	t.Helper()
	cfg, err := config.Parse([]byte(storeConfig))
	require.NoError(t, err)
	nv := &fakeNvM{states: make(map[storage.BlockID]storage.BlockState)}
	return NewStore(cfg, nv), nv
}

func snapshot(t *testing.T, s *Store, idx EntryIndex) Entry {
	t.Helper()
	e, ok := s.Snapshot(idx)
	require.True(t, ok)
	return e
}

func TestAllocateAndFree(t *testing.T) {
	s, nv := newStore(t)

	assert.Equal(t, EntryIndex(0), s.Allocate(config.MemoryPrimary, 1))
	assert.Equal(t, EntryIndex(0), s.Allocate(config.MemoryPrimary, 1), "повторное выделение возвращает ту же запись")
	assert.Equal(t, EntryIndex(1), s.Allocate(config.MemoryPrimary, 2))
	assert.Equal(t, EntryIndexInvalid, s.Allocate(config.MemoryPrimary, 3))
	assert.Equal(t, 2, s.Count(config.MemoryPrimary))
	assert.Equal(t, []EntryIndex{0, 1}, s.Chronology(config.MemoryPrimary))
	assert.Equal(t, storage.BlockDirtyImmediate, nv.state(storage.EntryBlock(0)))
	assert.Equal(t, storage.BlockDirty, nv.state(storage.BlockAdmin))

	e, ok := s.Snapshot(0)
	require.True(t, ok)
	assert.Equal(t, opcycle.CycleCountInvalid, e.AgingTargetCycle)
	assert.Equal(t, AgingTimerInvalid, e.AgingTimer)
	assert.Equal(t, uint32(1), e.Timestamp)

	s.Free(0)
	assert.Equal(t, storage.BlockDirtyClearedImmediate, nv.state(storage.EntryBlock(0)))
	assert.Equal(t, config.EventInvalid, s.EventOf(0))
	assert.Equal(t, EntryIndexInvalid, s.FindEventEntry(1))

	assert.Equal(t, EntryIndex(0), s.Allocate(config.MemoryPrimary, 3))
	assert.Equal(t, []EntryIndex{1, 0}, s.Chronology(config.MemoryPrimary))
	assert.Equal(t, EntryIndex(0), s.FindEventEntry(3))

	assert.Equal(t, EntryIndex(2), s.Allocate(config.MemorySecondary, 4))
	assert.Equal(t, config.MemorySecondary, s.MemoryOf(2))
	assert.Equal(t, 1, s.Count(config.MemorySecondary))
	assert.Len(t, s.Entries(), 3)
}

func TestAllocateUnknownMemory(t *testing.T) {
	s, _ := newStore(t)
	before := diag.InconsistentStateCount()
	assert.Equal(t, EntryIndexInvalid, s.Allocate("user", 1))
	assert.Equal(t, EntryIndexInvalid, s.Allocate(config.MemoryPrimary, config.EventInvalid))
	assert.Equal(t, before+2, diag.InconsistentStateCount())
}

func TestUpdateEntry(t *testing.T) {
	s, nv := newStore(t)
	idx := s.Allocate(config.MemoryPrimary, 1)
	nv.SetBlockState(storage.EntryBlock(int(idx)), storage.BlockClean)

	ok := s.UpdateEntry(idx, false, func(e *Entry) {
		e.OccurrenceCounter = 3
		e.StatusBits = status.CDTC
	})
	require.True(t, ok)
	assert.Equal(t, storage.BlockDirty, nv.state(storage.EntryBlock(int(idx))))
	assert.Equal(t, uint8(3), snapshot(t, s, idx).OccurrenceCounter)

	assert.False(t, s.UpdateEntry(1, true, func(e *Entry) {}), "свободная запись не изменяется")
}

func TestAgingOnlyEntry(t *testing.T) {
	s, _ := newStore(t)
	idx := s.AllocateAgingOnly(2)
	require.NotEqual(t, EntryIndexInvalid, idx)
	assert.True(t, snapshot(t, s, idx).AgingOnly)
	assert.Equal(t, EntryIndexInvalid, s.AllocateAgingOnly(99))
}

func TestEntryBlockRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	a := s.Allocate(config.MemoryPrimary, 1)
	b := s.Allocate(config.MemoryPrimary, 2)
	s.UpdateEntry(a, false, func(e *Entry) {
		e.AgingTargetCycle = 7
		e.AgingTimer = 1200
		e.OccurrenceCounter = 2
		e.FailedCycleCounter = 1
		e.FaultPendingCounter = 4
		e.StatusBits = 0x2F
	})

	data := s.EncodeEntry(a)
	require.Len(t, data, entryBlockSize)
	decoded, err := DecodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, snapshot(t, s, a), decoded)

	_, err = DecodeEntry(data[:10])
	assert.Error(t, err)

	// восстановление в обратном порядке: хронология строится по меткам времени
	other, _ := newStore(t)
	require.NoError(t, other.RestoreEntry(1, data))
	require.NoError(t, other.RestoreEntry(0, s.EncodeEntry(b)))
	assert.Error(t, other.RestoreEntry(10, data))
	other.RebuildChronology()
	assert.Equal(t, []EntryIndex{1, 0}, other.Chronology(config.MemoryPrimary))

	_, ts := other.AdminData()
	assert.Equal(t, uint32(2), ts)
	c := other.Allocate(config.MemorySecondary, 4)
	assert.Equal(t, uint32(3), snapshot(t, other, c).Timestamp)
}

func TestPermanentMemory(t *testing.T) {
	s, nv := newStore(t)
	assert.True(t, s.AddPermanent(1))
	assert.True(t, s.AddPermanent(1))
	assert.False(t, s.AddPermanent(2), "слотов нет")
	assert.True(t, s.IsPermanent(1))
	assert.Equal(t, storage.BlockDirtyImmediate, nv.state(storage.BlockPermanent))

	block := s.PermanentBlock()
	assert.True(t, s.ReleasePermanent(1))
	assert.False(t, s.ReleasePermanent(1))
	assert.False(t, s.IsPermanent(1))

	s.RestorePermanent(block)
	assert.True(t, s.IsPermanent(1))
}

func TestConfirmedCounter(t *testing.T) {
	s, _ := newStore(t)
	s.IncrementConfirmed()
	s.IncrementConfirmed()
	s.DecrementConfirmed()
	assert.Equal(t, uint16(1), s.ConfirmedCount())

	s.DecrementConfirmed()
	before := diag.InconsistentStateCount()
	s.DecrementConfirmed()
	assert.Equal(t, before+1, diag.InconsistentStateCount())
	assert.Zero(t, s.ConfirmedCount())

	s.RestoreAdmin(5, 0)
	c, _ := s.AdminData()
	assert.Equal(t, uint16(5), c)
}

func TestIndependentAgingCounters(t *testing.T) {
	s, nv := newStore(t)
	slot := s.Config().Event(3).AgingCounterIndex
	assert.Equal(t, opcycle.CycleCountInvalid, s.AgingCounter(slot))

	s.SetAgingCounter(slot, 12)
	assert.Equal(t, uint16(12), s.AgingCounter(slot))
	assert.Equal(t, storage.BlockDirty, nv.state(storage.BlockAging))
	assert.Equal(t, opcycle.CycleCountInvalid, s.AgingCounter(100))

	other, _ := newStore(t)
	other.RestoreAging(s.AgingBlock())
	assert.Equal(t, uint16(12), other.AgingCounter(slot))
}

func TestAgedStatistics(t *testing.T) {
	s, _ := newStore(t)
	s.IncrementAgedCounter(2)
	s.IncrementAgedCounter(2)
	assert.Equal(t, uint8(2), s.AgedCounter(2))

	other, _ := newStore(t)
	other.RestoreStatistics(s.StatisticsBlock())
	assert.Equal(t, uint8(2), other.AgedCounter(2))

	other.ResetAgedCounter(2)
	assert.Zero(t, other.AgedCounter(2))
	assert.Zero(t, other.AgedCounter(200))
}

func TestReadoutLock(t *testing.T) {
	s, _ := newStore(t)
	idx := s.Allocate(config.MemoryPrimary, 1)
	s.LockForReadout(idx)
	assert.True(t, s.IsLockedForReadout(idx))
	s.UnlockReadout(idx)
	assert.False(t, s.IsLockedForReadout(idx))

	s.LockForReadout(idx)
	s.Free(idx)
	assert.False(t, s.IsLockedForReadout(idx), "освобождение снимает защиту")
}
