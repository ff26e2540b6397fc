package dem

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1708-dem/common"
	"github.com/serebryakov7/j1708-dem/internal/aging"
	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/status"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

const testConfig = `
features:
  storage_triggers: [failed, fdc]
memories:
  - id: primary
    size: 4
events:
  - {id: 1, name: oil_pressure, priority: 5, aging_target: 0}
  - {id: 2, name: coolant_temp, priority: 5, aging_target: 3, uds_dtc: 0x011000, j1939: {spn: 110, fmi: 0}}
  - {id: 3, name: brake_air, priority: 1, aging_target: 3}
  - {id: 5, name: fuel_rate, priority: 5, aging_target: 3, fdc_threshold: 50}
`

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	return New(cfg, opts)
}

func openNvM(t *testing.T, path string) *storage.NvM {
	t.Helper()
	nv, err := storage.Open(path)
	require.NoError(t, err)
	return nv
}

func TestReportFailedNotifies(t *testing.T) {
	m := newManager(t, Options{})

	m.ReportFailed(2)

	st, ok := m.DTCStatus(2)
	require.True(t, ok)
	assert.True(t, st.Has(status.TF|status.CDTC))
	require.Len(t, m.Entries(), 1)
	assert.Equal(t, config.EventID(2), m.Entries()[0].Entry.EventID)

	select {
	case change := <-m.Notifications():
		assert.NotEmpty(t, change.ID)
		assert.Equal(t, uint16(2), change.EventID)
		assert.Equal(t, "coolant_temp", change.Name)
		assert.Equal(t, uint32(0x011000), change.UdsDTC)
		assert.Equal(t, 110, change.SPN)
		assert.Equal(t, uint8(status.Initial), change.OldStatus)
		assert.Equal(t, uint8(0x2F), change.NewStatus)
		assert.True(t, change.Confirmed())
	default:
		t.Fatal("нет уведомления")
	}
}

func TestNotificationOverflowIsDropped(t *testing.T) {
	m := newManager(t, Options{NotificationBuffer: 1})

	m.ReportFailed(2)
	m.ReportFailed(3)

	assert.Len(t, m.Notifications(), 1)
	assert.Equal(t, uint64(1), m.DroppedNotifications())
}

func TestAgingAcrossOperationCycles(t *testing.T) {
	m := newManager(t, Options{})

	m.OperationCycleStart()
	m.ReportFailed(2)
	m.ReportPassed(2)
	m.OperationCycleEnd()
	assert.Equal(t, aging.StatusAging, m.AgingStatus(2))

	for i := 0; i < 2; i++ {
		m.OperationCycleStart()
		m.OperationCycleEnd()
		st, _ := m.DTCStatus(2)
		assert.True(t, st.Has(status.CDTC), "цикл %d", i+2)
	}

	m.OperationCycleStart()
	m.OperationCycleEnd()
	st, _ := m.DTCStatus(2)
	assert.False(t, st.Has(status.CDTC))
	assert.Equal(t, uint16(0), m.ConfirmedCount())
	assert.Empty(t, m.Entries())
	assert.True(t, m.Indicator(2).Has(status.SI30ADTC))
}

func TestFailedCycleDoesNotStartAging(t *testing.T) {
	m := newManager(t, Options{})

	m.ReportFailed(3)
	m.OperationCycleEnd()

	assert.Equal(t, aging.StatusNone, m.AgingStatus(3))
	assert.Equal(t, uint16(1), m.ConfirmedCount())
}

func TestReportFdc(t *testing.T) {
	m := newManager(t, Options{})

	m.ReportFdc(5, 20)
	assert.Empty(t, m.Entries())

	m.ReportFdc(5, 60)
	require.Len(t, m.Entries(), 1)
	st, _ := m.DTCStatus(5)
	assert.False(t, st.Has(status.CDTC))
	fdc, ok := m.GetFDC(5)
	require.True(t, ok)
	assert.Equal(t, int8(60), fdc)

	m.ReportFdc(5, 127)
	st, _ = m.DTCStatus(5)
	assert.True(t, st.Has(status.TF|status.CDTC))
	assert.Len(t, m.Entries(), 1)
}

func TestReportFdcInvalidEvent(t *testing.T) {
	m := newManager(t, Options{})
	before := diag.InconsistentStateCount()

	m.ReportFdc(4, 10)

	assert.Equal(t, before+1, diag.InconsistentStateCount())
	_, ok := m.DTCStatus(4)
	assert.False(t, ok)
}

func TestClearAll(t *testing.T) {
	m := newManager(t, Options{})
	m.ReportFailed(2)
	m.ReportFailed(3)

	// очищаются все сконфигурированные DTC, включая не сохраненные
	assert.Equal(t, 4, m.ClearAll())
	assert.Empty(t, m.Entries())
	assert.Equal(t, uint16(0), m.ConfirmedCount())
	assert.Equal(t, status.Initial, m.EventStatus(2))
}

func TestClearNotAllowed(t *testing.T) {
	m := newManager(t, Options{ClearAllowed: func(id config.EventID) bool { return id != 3 }})
	m.ReportFailed(3)

	assert.False(t, m.ClearDTC(3))
	assert.Len(t, m.Entries(), 1)
}

func TestDisconnectHidesConfirmed(t *testing.T) {
	m := newManager(t, Options{})
	m.ReportFailed(2)

	require.True(t, m.Disconnect(2))
	assert.Equal(t, uint16(0), m.ConfirmedCount())
	require.True(t, m.Reconnect(2))
}

func TestRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.db")
	ctx := context.Background()

	nv := openNvM(t, path)
	m := newManager(t, Options{NvM: nv})
	m.ReportFailed(2)
	m.ReportFailed(3)
	m.SetEngineRuntime(90)
	m.OperationCycleEnd()
	require.NoError(t, m.Flush(ctx))
	require.NoError(t, nv.Close())

	nv = openNvM(t, path)
	defer nv.Close()
	restored := newManager(t, Options{NvM: nv})
	require.NoError(t, restored.Restore(ctx))

	entries := restored.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, config.EventID(2), entries[0].Entry.EventID)
	assert.Equal(t, config.EventID(3), entries[1].Entry.EventID)
	assert.Equal(t, uint16(2), restored.ConfirmedCount())
	assert.Equal(t, m.EventStatus(2), restored.EventStatus(2))
	assert.Equal(t, m.Indicator(3), restored.Indicator(3))
	assert.Equal(t, uint16(1), restored.cycles.CurrentAgingCycle())
	assert.Equal(t, uint32(90), restored.cycles.EngineRuntimeMinutes())
}

func TestClearedEntryBlockIsDeleted(t *testing.T) {
	ctx := context.Background()
	nv := openNvM(t, filepath.Join(t.TempDir(), "dem.db"))
	defer nv.Close()
	m := newManager(t, Options{NvM: nv})

	m.ReportFailed(2)
	block := storage.EntryBlock(int(m.Entries()[0].Index))
	require.NoError(t, m.MainFunction(ctx))

	blocks, err := nv.Blocks(ctx)
	require.NoError(t, err)
	assert.Contains(t, blocks, storage.BlockInfo{ID: block, Size: 17})

	require.True(t, m.ClearDTC(2))
	require.NoError(t, m.MainFunction(ctx))

	blocks, err = nv.Blocks(ctx)
	require.NoError(t, err)
	for _, b := range blocks {
		assert.NotEqual(t, block, b.ID)
	}
}

func TestReadBlockUnknown(t *testing.T) {
	m := newManager(t, Options{})

	_, ok := m.ReadBlock("garbage")
	assert.False(t, ok)
	_, ok = m.ReadBlock(storage.EntryBlock(0))
	assert.False(t, ok)
	data, ok := m.ReadBlock(storage.BlockAdmin)
	assert.True(t, ok)
	assert.Len(t, data, adminBlockSize)
}

func eventID(id uint16) config.EventID {
	return config.EventID(id)
}

func TestConcurrentReportsAndClearKeepConfirmedCount(t *testing.T) {
	m := newManager(t, Options{NotificationBuffer: 1})
	m.ReportFailed(3)
	before := diag.InconsistentStateCount()

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.ReportFailed(2)
				m.ReportPassed(2)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.ClearDTC(2)
			}
		}()
		wg.Wait()

		confirmed := 0
		for _, id := range m.Config().EventIDs() {
			if st, _ := m.DTCStatus(id); st.Has(status.CDTC) {
				confirmed++
			}
		}
		require.Equal(t, uint16(confirmed), m.ConfirmedCount(), "раунд %d", round)
	}
	assert.Equal(t, before, diag.InconsistentStateCount())
}

const readoutConfig = `
features:
  displacement: {enabled: true, fallback: oldest}
memories:
  - id: primary
    size: 1
events:
  - {id: 1, name: a, priority: 5, aging_target: 3}
  - {id: 2, name: b, priority: 5, aging_target: 3}
  - {id: 3, name: c, priority: 5, aging_target: 3}
`

func TestReadoutLockBlocksDisplacement(t *testing.T) {
	cfg, err := config.Parse([]byte(readoutConfig))
	require.NoError(t, err)
	m := New(cfg, Options{})
	target := common.CommandParams{EventID: ptr(uint16(1))}

	_, err = m.HandleCommand(common.ServerCommand{Type: common.CommandTypeLockReadout, Params: target})
	assert.Error(t, err, "записи еще нет")

	m.ReportFailed(1)
	_, err = m.HandleCommand(common.ServerCommand{Type: common.CommandTypeLockReadout, Params: target})
	require.NoError(t, err)

	m.ReportFailed(2)
	require.Len(t, m.Entries(), 1)
	assert.Equal(t, config.EventID(1), m.Entries()[0].Entry.EventID)

	_, err = m.HandleCommand(common.ServerCommand{Type: common.CommandTypeUnlockReadout, Params: target})
	require.NoError(t, err)

	m.ReportFailed(3)
	require.Len(t, m.Entries(), 1)
	assert.Equal(t, config.EventID(3), m.Entries()[0].Entry.EventID)
}

func TestReadDTCReleasesReadoutLock(t *testing.T) {
	cfg, err := config.Parse([]byte(readoutConfig))
	require.NoError(t, err)
	m := New(cfg, Options{})
	m.ReportFailed(1)

	r, ok := m.ReadDTC(1)
	require.True(t, ok)
	assert.True(t, r.Stored)
	assert.Equal(t, uint8(1), r.Occurrence)
	assert.True(t, r.Status.Has(status.CDTC))

	m.ReportFailed(2)
	assert.Equal(t, config.EventID(2), m.Entries()[0].Entry.EventID, "после чтения запись снова вытесняется")

	_, ok = m.ReadDTC(9)
	assert.False(t, ok)
}
