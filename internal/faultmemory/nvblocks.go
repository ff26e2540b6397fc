package faultmemory

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// Фиксированная раскладка блока записи (big endian):
// 0-1 EventID, 2-3 AgingTargetCycle, 4-7 AgingTimer, 8 OccurrenceCounter,
// 9 FailedCycleCounter, 10 FaultPendingCounter, 11 StatusBits, 12 флаги, 13-16 Timestamp.
const entryBlockSize = 17

const flagAgingOnly = 0x01

// EncodeEntry сериализует запись для NVRAM.
func (s *Store) EncodeEntry(idx EntryIndex) []byte {
	if !s.validIndex(idx) {
		return nil
	}
	s.mu.Lock()
	e := s.entries[idx]
	s.mu.Unlock()

	buf := make([]byte, entryBlockSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(e.EventID))
	binary.BigEndian.PutUint16(buf[2:4], e.AgingTargetCycle)
	binary.BigEndian.PutUint32(buf[4:8], e.AgingTimer)
	buf[8] = e.OccurrenceCounter
	buf[9] = e.FailedCycleCounter
	buf[10] = e.FaultPendingCounter
	buf[11] = byte(e.StatusBits)
	if e.AgingOnly {
		buf[12] |= flagAgingOnly
	}
	binary.BigEndian.PutUint32(buf[13:17], e.Timestamp)
	return buf
}

// DecodeEntry разбирает блок записи без изменения Store.
func DecodeEntry(data []byte) (Entry, error) {
	if len(data) < entryBlockSize {
		return Entry{}, fmt.Errorf("блок записи слишком короткий: %d байт", len(data))
	}
	return Entry{
		EventID:             config.EventID(binary.BigEndian.Uint16(data[0:2])),
		AgingTargetCycle:    binary.BigEndian.Uint16(data[2:4]),
		AgingTimer:          binary.BigEndian.Uint32(data[4:8]),
		OccurrenceCounter:   data[8],
		FailedCycleCounter:  data[9],
		FaultPendingCounter: data[10],
		StatusBits:          status.UDS(data[11]),
		AgingOnly:           data[12]&flagAgingOnly != 0,
		Timestamp:           binary.BigEndian.Uint32(data[13:17]),
	}, nil
}

// RestoreEntry загружает запись из NVRAM. Запись с неизвестным событием
// загружается как есть: вытеснение заменит ее в первую очередь.
// После загрузки всех записей нужно вызвать RebuildChronology.
func (s *Store) RestoreEntry(idx EntryIndex, data []byte) error {
	if !s.validIndex(idx) {
		return fmt.Errorf("индекс записи %d вне диапазона", idx)
	}
	e, err := DecodeEntry(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[idx] = e
	s.mu.Unlock()
	return nil
}

// RebuildChronology восстанавливает хронологию всех памятей по меткам времени записей.
func (s *Store) RebuildChronology() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mi := range s.memories {
		m := &s.memories[mi]
		m.chronology = m.chronology[:0]
		for i := m.cfg.First; i < m.cfg.First+m.cfg.Size; i++ {
			if !s.entries[i].IsFree() {
				m.chronology = append(m.chronology, EntryIndex(i))
			}
			if s.entries[i].Timestamp > s.timestamp {
				s.timestamp = s.entries[i].Timestamp
			}
		}
		sort.SliceStable(m.chronology, func(a, b int) bool {
			return s.entries[m.chronology[a]].Timestamp < s.entries[m.chronology[b]].Timestamp
		})
	}
}

// AgingBlock сериализует независимые счетчики старения.
func (s *Store) AgingBlock() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 2*len(s.agingCounters))
	for i, v := range s.agingCounters {
		binary.BigEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

// RestoreAging загружает независимые счетчики старения.
func (s *Store) RestoreAging(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.agingCounters {
		if 2*i+2 > len(data) {
			return
		}
		s.agingCounters[i] = binary.BigEndian.Uint16(data[2*i:])
	}
}

// PermanentBlock сериализует постоянную память.
func (s *Store) PermanentBlock() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 2*len(s.permanent))
	for i, id := range s.permanent {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(id))
	}
	return buf
}

// RestorePermanent загружает постоянную память.
func (s *Store) RestorePermanent(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.permanent {
		if 2*i+2 > len(data) {
			return
		}
		s.permanent[i] = config.EventID(binary.BigEndian.Uint16(data[2*i:]))
	}
}

// StatisticsBlock сериализует счетчики состарившихся DTC.
func (s *Store) StatisticsBlock() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.agedCounter...)
}

// RestoreStatistics загружает счетчики состарившихся DTC.
func (s *Store) RestoreStatistics(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.agedCounter, data)
}

// AdminData возвращает глобальные счетчики памяти для административного блока.
func (s *Store) AdminData() (confirmed uint16, timestamp uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed, s.timestamp
}

// RestoreAdmin загружает глобальные счетчики памяти.
func (s *Store) RestoreAdmin(confirmed uint16, timestamp uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = confirmed
	if timestamp > s.timestamp {
		s.timestamp = timestamp
	}
}
