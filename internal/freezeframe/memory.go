package freezeframe

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/status"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

const mode02Unknown = -2

// DataCollector заполняет буферы freeze frame данными в момент срабатывания триггера.
// dataF0 равен nil, если второй буфер не сконфигурирован.
type DataCollector interface {
	CollectObdFreezeFrame(id config.EventID, data, dataF0 []byte)
}

// StatusReader дает доступ к внутреннему статусу событий.
type StatusReader interface {
	Status(id config.EventID) status.UDS
}

// DTCLayer возвращает внутренний статус DTC с учетом комбинации.
type DTCLayer interface {
	InternalStatus(id config.EventID) status.UDS
}

// NvM - граница с NVRAM.
type NvM interface {
	SetBlockState(id storage.BlockID, state storage.BlockState)
}

// Memory - политика выбора слотов OBD freeze frame.
type Memory struct {
	cfg       *config.Config
	entries   *Entries
	events    StatusReader
	dtc       DTCLayer
	collector DataCollector
	nv        NvM

	mu        sync.Mutex
	timestamp uint32
	mode02    int
}

// NewMemory создает память freeze frame по конфигурации OBD. collector и nv могут быть nil.
func NewMemory(cfg *config.Config, events StatusReader, collector DataCollector, nv NvM) *Memory {
	return &Memory{
		cfg:       cfg,
		entries:   NewEntries(cfg.ObdFreezeFrameSlots, cfg.ObdFreezeFrameSize, cfg.Features.Obd == config.ObdOnUds),
		events:    events,
		collector: collector,
		nv:        nv,
		mode02:    mode02Unknown,
	}
}

// SetDTCLayer подключает уровень DTC. Без него статус читается напрямую из событий.
func (m *Memory) SetDTCLayer(l DTCLayer) {
	m.dtc = l
}

func (m *Memory) status(id config.EventID) status.UDS {
	if m.dtc != nil {
		return m.dtc.InternalStatus(id)
	}
	return m.events.Status(id)
}

// Entries возвращает массив слотов.
func (m *Memory) Entries() *Entries {
	return m.entries
}

// FindSlot возвращает слот события или SlotInvalid.
func (m *Memory) FindSlot(id config.EventID) int {
	if id == config.EventInvalid {
		return SlotInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findSlot(id)
}

func (m *Memory) findSlot(id config.EventID) int {
	for i := 0; i < m.entries.Count(); i++ {
		if m.entries.EventID(i) == id {
			return i
		}
	}
	return SlotInvalid
}

// selectSlot возвращает слот для сохранения freeze frame события: уже занятый
// этим событием, свободный или вытесняемый. SlotInvalid, если слотов нет.
func (m *Memory) selectSlot(id config.EventID) int {
	if slot := m.findSlot(id); slot != SlotInvalid {
		return slot
	}
	if slot := m.findSlot(config.EventInvalid); slot != SlotInvalid {
		return slot
	}
	return m.selectDisplacedSlot(id)
}

// selectDisplacedSlot выбирает самый старый слот неподтвержденного события.
// Слот недопустимого события вытесняется сразу.
func (m *Memory) selectDisplacedSlot(id config.EventID) int {
	best := SlotInvalid
	for i := 0; i < m.entries.Count(); i++ {
		owner := m.entries.EventID(i)
		if owner == id {
			continue
		}
		if !m.cfg.IsValidEvent(owner) {
			return i
		}
		if m.status(owner).Has(status.CDTC) {
			continue
		}
		if best == SlotInvalid || m.entries.Timestamp(i) < m.entries.Timestamp(best) {
			best = i
		}
	}
	return best
}

func (m *Memory) isVisible(id config.EventID) bool {
	st := m.status(id)
	if st.Has(status.CDTC) {
		return true
	}
	return m.cfg.Features.FreezeFrameVisibleOnPending && st.Has(status.PDTC)
}

// Store сохраняет freeze frame события. Видимый кадр не перезаписывается:
// Mode 02 показывает данные первого подтверждения. Возвращает false, если слот не выделен.
func (m *Memory) Store(id config.EventID) bool {
	if !m.cfg.IsValidEvent(id) {
		return false
	}
	m.mu.Lock()
	slot := m.findSlot(id)
	if slot != SlotInvalid && m.entries.IsVisible(slot) {
		m.mu.Unlock()
		return true
	}
	if slot == SlotInvalid {
		slot = m.selectSlot(id)
	}
	if slot == SlotInvalid {
		m.mu.Unlock()
		log.Warn().Uint16("event", uint16(id)).Msg("Нет свободного слота OBD freeze frame")
		return false
	}
	if prev := m.entries.EventID(slot); prev != config.EventInvalid && prev != id {
		log.Debug().Uint16("event", uint16(id)).Uint16("displaced", uint16(prev)).Int("slot", slot).Msg("Слот freeze frame вытеснен")
		m.entries.Free(slot)
	}
	m.entries.SetEventID(slot, id)
	m.timestamp++
	m.entries.SetTimestamp(slot, m.timestamp)
	if m.collector != nil {
		m.collector.CollectObdFreezeFrame(id, m.entries.Buffer(slot), m.entries.BufferF0(slot))
	}
	m.entries.SetVisible(slot, m.isVisible(id))
	m.mode02 = mode02Unknown
	m.mu.Unlock()

	m.markDirty()
	return true
}

// UpdateVisibility делает кадр видимым, когда событие становится подтвержденным.
func (m *Memory) UpdateVisibility(id config.EventID) bool {
	m.mu.Lock()
	slot := m.findSlot(id)
	if slot == SlotInvalid || m.entries.IsVisible(slot) || !m.isVisible(id) {
		m.mu.Unlock()
		return false
	}
	m.entries.SetVisible(slot, true)
	m.mode02 = mode02Unknown
	m.mu.Unlock()

	m.markDirty()
	return true
}

// Clear освобождает слот события. Возвращает false, если слота не было.
func (m *Memory) Clear(id config.EventID) bool {
	if id == config.EventInvalid {
		return false
	}
	m.mu.Lock()
	slot := m.findSlot(id)
	if slot == SlotInvalid {
		m.mu.Unlock()
		return false
	}
	m.entries.Free(slot)
	m.mode02 = mode02Unknown
	m.mu.Unlock()

	m.markDirty()
	return true
}

// ClearAll освобождает все слоты.
func (m *Memory) ClearAll() {
	m.mu.Lock()
	for i := 0; i < m.entries.Count(); i++ {
		m.entries.Free(i)
	}
	m.mode02 = mode02Unknown
	m.mu.Unlock()
	m.markDirty()
}

// Mode02Slot возвращает видимый слот, который отдается по Mode 02 (кадр 0):
// самый старый видимый. Результат кэшируется до следующего изменения слотов.
func (m *Memory) Mode02Slot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode02 != mode02Unknown {
		return m.mode02
	}
	best := SlotInvalid
	for i := 0; i < m.entries.Count(); i++ {
		if !m.entries.IsVisible(i) {
			continue
		}
		if best == SlotInvalid || m.entries.Timestamp(i) < m.entries.Timestamp(best) {
			best = i
		}
	}
	m.mode02 = best
	return best
}

// Mode02Event возвращает событие кадра Mode 02 или EventInvalid.
func (m *Memory) Mode02Event() config.EventID {
	slot := m.Mode02Slot()
	if slot == SlotInvalid {
		return config.EventInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.EventID(slot)
}

// Data возвращает копию данных freeze frame события.
func (m *Memory) Data(id config.EventID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.findSlot(id)
	if slot == SlotInvalid {
		return nil, false
	}
	return append([]byte(nil), m.entries.Buffer(slot)...), true
}

// Snapshot сериализует слоты для NVRAM.
func (m *Memory) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Snapshot()
}

// Restore загружает слоты из NVRAM и восстанавливает счетчик меток времени.
func (m *Memory) Restore(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.entries.Restore(data); err != nil {
		return err
	}
	m.timestamp = 0
	for i := 0; i < m.entries.Count(); i++ {
		if ts := m.entries.Timestamp(i); ts > m.timestamp {
			m.timestamp = ts
		}
	}
	m.mode02 = mode02Unknown
	return nil
}

func (m *Memory) markDirty() {
	if m.nv != nil {
		m.nv.SetBlockState(storage.BlockFreezeObd, storage.BlockDirtyImmediate)
	}
}
