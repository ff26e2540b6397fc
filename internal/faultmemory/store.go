// Package faultmemory содержит ограниченные памяти событий: записи фиксированного
// массива, хронологию каждой памяти, независимые счетчики старения, постоянную
// память и статистику. Записи адресуются индексом, а не указателем.
package faultmemory

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/opcycle"
	"github.com/serebryakov7/j1708-dem/internal/status"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

// EntryIndex - индекс записи в общем массиве записей.
type EntryIndex int

// EntryIndexInvalid - запись не найдена или не может быть выделена.
const EntryIndexInvalid EntryIndex = -1

// AgingTimerInvalid - таймер старения WWH-OBD не взведен.
const AgingTimerInvalid uint32 = 0xFFFFFFFF

// NvM - граница с NVRAM: ядро только помечает блоки, запись выполняет сам NvM.
type NvM interface {
	SetBlockState(id storage.BlockID, state storage.BlockState)
}

// Entry - запись памяти событий для одного сохраненного события.
type Entry struct {
	EventID             config.EventID
	AgingTargetCycle    uint16
	AgingTimer          uint32
	OccurrenceCounter   uint8
	FailedCycleCounter  uint8
	FaultPendingCounter uint8
	StatusBits          status.UDS
	AgingOnly           bool
	Timestamp           uint32
}

func (e *Entry) reset() {
	*e = Entry{
		AgingTargetCycle: opcycle.CycleCountInvalid,
		AgingTimer:       AgingTimerInvalid,
	}
}

// IsFree сообщает, свободна ли запись.
func (e *Entry) IsFree() bool {
	return e.EventID == config.EventInvalid
}

type memory struct {
	cfg        *config.MemoryConfig
	chronology []EntryIndex // от старых к новым, емкость равна размеру памяти
}

// Store - контекст памяти неисправностей, передаваемый всем компонентам ядра.
type Store struct {
	cfg *config.Config
	nv  NvM

	mu            sync.Mutex
	entries       []Entry
	memories      []memory
	readout       []bool
	agingCounters []uint16
	permanent     []config.EventID
	agedCounter   []uint8
	confirmed     uint16
	timestamp     uint32
}

// NewStore создает пустую память неисправностей по конфигурации.
// nv может быть nil, тогда изменения не сохраняются.
func NewStore(cfg *config.Config, nv NvM) *Store {
	s := &Store{
		cfg:           cfg,
		nv:            nv,
		entries:       make([]Entry, cfg.EntryCount()),
		readout:       make([]bool, cfg.EntryCount()),
		agingCounters: make([]uint16, cfg.AgingCounterSlots),
		permanent:     make([]config.EventID, cfg.PermanentSlots),
		agedCounter:   make([]uint8, cfg.EventCount()),
	}
	for i := range s.entries {
		s.entries[i].reset()
	}
	for i := range s.agingCounters {
		s.agingCounters[i] = opcycle.CycleCountInvalid
	}
	for i := range cfg.Memories {
		s.memories = append(s.memories, memory{
			cfg:        &cfg.Memories[i],
			chronology: make([]EntryIndex, 0, cfg.Memories[i].Size),
		})
	}
	return s
}

// Config возвращает конфигурацию, с которой создан Store.
func (s *Store) Config() *config.Config {
	return s.cfg
}

func (s *Store) memoryByID(id config.MemoryID) *memory {
	for i := range s.memories {
		if s.memories[i].cfg.ID == id {
			return &s.memories[i]
		}
	}
	return nil
}

func (s *Store) memoryOf(idx EntryIndex) *memory {
	for i := range s.memories {
		m := &s.memories[i]
		if int(idx) >= m.cfg.First && int(idx) < m.cfg.First+m.cfg.Size {
			return m
		}
	}
	return nil
}

func (s *Store) validIndex(idx EntryIndex) bool {
	return diag.RuntimeCheck(idx >= 0 && int(idx) < len(s.entries), "индекс записи памяти событий вне диапазона") &&
		idx >= 0 && int(idx) < len(s.entries)
}

// UpdateEntry изменяет запись под блокировкой памяти и помечает ее блок.
// fn не должна вызывать методы Store.
func (s *Store) UpdateEntry(idx EntryIndex, immediate bool, fn func(e *Entry)) bool {
	if !s.validIndex(idx) {
		return false
	}
	s.mu.Lock()
	if s.entries[idx].IsFree() {
		s.mu.Unlock()
		return false
	}
	fn(&s.entries[idx])
	s.mu.Unlock()
	s.MarkEntryDirty(idx, immediate)
	return true
}

// Snapshot возвращает копию записи.
func (s *Store) Snapshot(idx EntryIndex) (Entry, bool) {
	if !s.validIndex(idx) {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[idx], !s.entries[idx].IsFree()
}

// EventOf возвращает событие, которому принадлежит запись.
func (s *Store) EventOf(idx EntryIndex) config.EventID {
	if !s.validIndex(idx) {
		return config.EventInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[idx].EventID
}

// MemoryOf возвращает имя памяти, которой принадлежит запись.
func (s *Store) MemoryOf(idx EntryIndex) config.MemoryID {
	if m := s.memoryOf(idx); m != nil {
		return m.cfg.ID
	}
	return ""
}

// FindEntry ищет запись события в указанной памяти.
func (s *Store) FindEntry(mem config.MemoryID, id config.EventID) EntryIndex {
	m := s.memoryByID(mem)
	if m == nil || id == config.EventInvalid {
		return EntryIndexInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range m.chronology {
		if s.entries[idx].EventID == id {
			return idx
		}
	}
	return EntryIndexInvalid
}

// FindEventEntry ищет запись события в его памяти назначения.
func (s *Store) FindEventEntry(id config.EventID) EntryIndex {
	ev := s.cfg.Event(id)
	if ev == nil {
		return EntryIndexInvalid
	}
	return s.FindEntry(ev.Memory, id)
}

// Allocate выделяет свободную запись в памяти. При заполненной памяти
// возвращает EntryIndexInvalid; вытеснение выполняет вызывающий.
// Повторное выделение для события, уже имеющего запись, возвращает ее.
func (s *Store) Allocate(mem config.MemoryID, id config.EventID) EntryIndex {
	m := s.memoryByID(mem)
	if m == nil || id == config.EventInvalid {
		diag.ReportInconsistentState("выделение записи: память %q, событие %d", mem, id)
		return EntryIndexInvalid
	}
	s.mu.Lock()
	for _, idx := range m.chronology {
		if s.entries[idx].EventID == id {
			s.mu.Unlock()
			return idx
		}
	}
	if len(m.chronology) >= m.cfg.Size {
		s.mu.Unlock()
		return EntryIndexInvalid
	}
	free := EntryIndexInvalid
	for i := m.cfg.First; i < m.cfg.First+m.cfg.Size; i++ {
		if s.entries[i].IsFree() {
			free = EntryIndex(i)
			break
		}
	}
	if free == EntryIndexInvalid {
		s.mu.Unlock()
		diag.ReportInconsistentState("память %q: хронология неполна, но свободных записей нет", mem)
		return EntryIndexInvalid
	}
	e := &s.entries[free]
	e.reset()
	e.EventID = id
	s.timestamp++
	e.Timestamp = s.timestamp
	m.chronology = append(m.chronology, free)
	s.mu.Unlock()

	s.markEntry(free, storage.BlockDirtyImmediate)
	s.markBlock(storage.BlockAdmin, storage.BlockDirty)
	log.Debug().Str("memory", string(mem)).Int("entry", int(free)).Uint16("event", uint16(id)).Msg("Выделена запись памяти событий")
	return free
}

// AllocateAgingOnly выделяет запись, которая хранит только счетчик старения.
func (s *Store) AllocateAgingOnly(id config.EventID) EntryIndex {
	ev := s.cfg.Event(id)
	if ev == nil {
		return EntryIndexInvalid
	}
	idx := s.Allocate(ev.Memory, id)
	if idx == EntryIndexInvalid {
		return idx
	}
	s.mu.Lock()
	e := &s.entries[idx]
	if e.OccurrenceCounter == 0 {
		e.AgingOnly = true
	}
	s.mu.Unlock()
	return idx
}

// Free освобождает запись и удаляет ее из хронологии.
func (s *Store) Free(idx EntryIndex) {
	m := s.memoryOf(idx)
	if m == nil || !s.validIndex(idx) {
		diag.ReportInconsistentState("освобождение записи %d вне памяти", idx)
		return
	}
	s.mu.Lock()
	id := s.entries[idx].EventID
	for i, c := range m.chronology {
		if c == idx {
			m.chronology = append(m.chronology[:i], m.chronology[i+1:]...)
			break
		}
	}
	s.entries[idx].reset()
	s.readout[idx] = false
	s.mu.Unlock()

	s.markEntry(idx, storage.BlockDirtyClearedImmediate)
	log.Debug().Int("entry", int(idx)).Uint16("event", uint16(id)).Msg("Запись памяти событий освобождена")
}

// Chronology возвращает копию хронологии памяти (от старых к новым).
func (s *Store) Chronology(mem config.MemoryID) []EntryIndex {
	m := s.memoryByID(mem)
	if m == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryIndex, len(m.chronology))
	copy(out, m.chronology)
	return out
}

// Count возвращает число занятых записей памяти.
func (s *Store) Count(mem config.MemoryID) int {
	m := s.memoryByID(mem)
	if m == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(m.chronology)
}

// MarkEntryDirty помечает блок записи для сохранения.
func (s *Store) MarkEntryDirty(idx EntryIndex, immediate bool) {
	if immediate {
		s.markEntry(idx, storage.BlockDirtyImmediate)
	} else {
		s.markEntry(idx, storage.BlockDirty)
	}
}

// MarkDirty помечает служебный блок для сохранения.
func (s *Store) MarkDirty(id storage.BlockID, immediate bool) {
	if immediate {
		s.markBlock(id, storage.BlockDirtyImmediate)
	} else {
		s.markBlock(id, storage.BlockDirty)
	}
}

func (s *Store) markEntry(idx EntryIndex, st storage.BlockState) {
	s.markBlock(storage.EntryBlock(int(idx)), st)
}

func (s *Store) markBlock(id storage.BlockID, st storage.BlockState) {
	if s.nv != nil {
		s.nv.SetBlockState(id, st)
	}
}

// AgingCounter возвращает независимый от записи счетчик старения.
func (s *Store) AgingCounter(slot int) uint16 {
	if !diag.RuntimeCheck(slot >= 0 && slot < len(s.agingCounters), "индекс счетчика старения вне диапазона") ||
		slot < 0 || slot >= len(s.agingCounters) {
		return opcycle.CycleCountInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agingCounters[slot]
}

// SetAgingCounter сохраняет независимый от записи счетчик старения.
func (s *Store) SetAgingCounter(slot int, v uint16) {
	if slot < 0 || slot >= len(s.agingCounters) {
		diag.RuntimeCheck(false, "индекс счетчика старения вне диапазона")
		return
	}
	s.mu.Lock()
	changed := s.agingCounters[slot] != v
	s.agingCounters[slot] = v
	s.mu.Unlock()
	if changed {
		s.markBlock(storage.BlockAging, storage.BlockDirty)
	}
}

// LockForReadout защищает запись от вытеснения на время внешнего чтения.
func (s *Store) LockForReadout(idx EntryIndex) {
	if !s.validIndex(idx) {
		return
	}
	s.mu.Lock()
	s.readout[idx] = true
	s.mu.Unlock()
}

// UnlockReadout снимает защиту записи.
func (s *Store) UnlockReadout(idx EntryIndex) {
	if !s.validIndex(idx) {
		return
	}
	s.mu.Lock()
	s.readout[idx] = false
	s.mu.Unlock()
}

// IsLockedForReadout сообщает, читается ли запись внешним клиентом.
func (s *Store) IsLockedForReadout(idx EntryIndex) bool {
	if !s.validIndex(idx) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readout[idx]
}

// AddPermanent помещает событие в постоянную память. Возвращает false,
// если свободных слотов нет.
func (s *Store) AddPermanent(id config.EventID) bool {
	s.mu.Lock()
	slot := -1
	for i, p := range s.permanent {
		if p == id {
			s.mu.Unlock()
			return true
		}
		if p == config.EventInvalid && slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		s.mu.Unlock()
		return false
	}
	s.permanent[slot] = id
	s.mu.Unlock()
	s.markBlock(storage.BlockPermanent, storage.BlockDirtyImmediate)
	return true
}

// ReleasePermanent освобождает слот постоянной памяти события.
func (s *Store) ReleasePermanent(id config.EventID) bool {
	s.mu.Lock()
	released := false
	for i, p := range s.permanent {
		if p == id {
			s.permanent[i] = config.EventInvalid
			released = true
		}
	}
	s.mu.Unlock()
	if released {
		s.markBlock(storage.BlockPermanent, storage.BlockDirtyImmediate)
	}
	return released
}

// IsPermanent сообщает, занимает ли событие слот постоянной памяти.
func (s *Store) IsPermanent(id config.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permanent {
		if p == id {
			return true
		}
	}
	return false
}

// IncrementConfirmed увеличивает глобальный счетчик подтвержденных DTC.
func (s *Store) IncrementConfirmed() {
	s.mu.Lock()
	if s.confirmed < 0xFFFF {
		s.confirmed++
	}
	s.mu.Unlock()
	s.markBlock(storage.BlockAdmin, storage.BlockDirty)
}

// DecrementConfirmed уменьшает глобальный счетчик подтвержденных DTC.
func (s *Store) DecrementConfirmed() {
	s.mu.Lock()
	if s.confirmed > 0 {
		s.confirmed--
	} else {
		s.mu.Unlock()
		diag.ReportInconsistentState("счетчик подтвержденных DTC уже равен нулю")
		return
	}
	s.mu.Unlock()
	s.markBlock(storage.BlockAdmin, storage.BlockDirty)
}

// ConfirmedCount возвращает число подтвержденных DTC.
func (s *Store) ConfirmedCount() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// IncrementAgedCounter увеличивает сохраняемую статистику состарившихся DTC события.
func (s *Store) IncrementAgedCounter(id config.EventID) {
	if int(id) >= len(s.agedCounter) {
		return
	}
	s.mu.Lock()
	if s.agedCounter[id] < 0xFF {
		s.agedCounter[id]++
	}
	s.mu.Unlock()
	s.markBlock(storage.BlockStatistics, storage.BlockDirty)
}

// ResetAgedCounter обнуляет статистику старения события.
func (s *Store) ResetAgedCounter(id config.EventID) {
	if int(id) >= len(s.agedCounter) {
		return
	}
	s.mu.Lock()
	s.agedCounter[id] = 0
	s.mu.Unlock()
	s.markBlock(storage.BlockStatistics, storage.BlockDirty)
}

// AgedCounter возвращает число состариваний события.
func (s *Store) AgedCounter(id config.EventID) uint8 {
	if int(id) >= len(s.agedCounter) {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agedCounter[id]
}

// EntryInfo - снимок записи для отображения и тестов.
type EntryInfo struct {
	Index  EntryIndex
	Memory config.MemoryID
	Entry  Entry
}

// Entries возвращает снимок всех занятых записей в хронологическом порядке каждой памяти.
func (s *Store) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EntryInfo
	for _, m := range s.memories {
		for _, idx := range m.chronology {
			out = append(out, EntryInfo{Index: idx, Memory: m.cfg.ID, Entry: s.entries[idx]})
		}
	}
	return out
}
