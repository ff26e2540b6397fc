package dem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

// Раскладка административного блока (big endian):
// 0-1 номер цикла старения, 2-5 наработка в минутах, 6-7 число
// подтвержденных DTC, 8-11 последняя метка времени записей.
const adminBlockSize = 12

// ReadBlock реализует storage.BlockSource. Для свободной записи
// возвращает false, и блок удаляется.
func (m *Manager) ReadBlock(id storage.BlockID) ([]byte, bool) {
	switch id {
	case storage.BlockAdmin:
		return m.adminBlock(), true
	case storage.BlockStatus:
		return m.events.Snapshot(), true
	case storage.BlockIndicator:
		return m.indicators.Snapshot(), true
	case storage.BlockAging:
		return m.mem.AgingBlock(), true
	case storage.BlockPermanent:
		return m.mem.PermanentBlock(), true
	case storage.BlockStatistics:
		return m.mem.StatisticsBlock(), true
	case storage.BlockFreezeObd:
		if m.ff == nil {
			return nil, false
		}
		return m.ff.Snapshot(), true
	}
	index, ok := storage.ParseEntryBlock(id)
	if !ok {
		log.Warn().Str("block", string(id)).Msg("Неизвестный блок NvM")
		return nil, false
	}
	if _, used := m.mem.Snapshot(faultmemory.EntryIndex(index)); !used {
		return nil, false
	}
	return m.mem.EncodeEntry(faultmemory.EntryIndex(index)), true
}

func (m *Manager) adminBlock() []byte {
	confirmed, timestamp := m.mem.AdminData()
	buf := make([]byte, adminBlockSize)
	binary.BigEndian.PutUint16(buf[0:2], m.cycles.CurrentAgingCycle())
	binary.BigEndian.PutUint32(buf[2:6], m.cycles.EngineRuntimeMinutes())
	binary.BigEndian.PutUint16(buf[6:8], confirmed)
	binary.BigEndian.PutUint32(buf[8:12], timestamp)
	return buf
}

func (m *Manager) restoreAdmin(data []byte) error {
	if len(data) < adminBlockSize {
		return fmt.Errorf("административный блок слишком короткий: %d байт", len(data))
	}
	m.cycles.SetAgingCycle(binary.BigEndian.Uint16(data[0:2]))
	m.cycles.SetEngineRuntimeMinutes(binary.BigEndian.Uint32(data[2:6]))
	m.mem.RestoreAdmin(binary.BigEndian.Uint16(data[6:8]), binary.BigEndian.Uint32(data[8:12]))
	return nil
}

// Restore загружает образ памяти из NVRAM и приводит его в согласованное
// состояние: хронология восстанавливается по меткам времени, целевые циклы
// старения проверяются относительно текущего цикла. Поврежденные блоки
// пропускаются с предупреждением.
func (m *Manager) Restore(ctx context.Context) error {
	if m.nv == nil {
		return nil
	}
	entries := 0
	err := m.nv.Load(ctx, func(id storage.BlockID, data []byte) error {
		var err error
		switch id {
		case storage.BlockAdmin:
			err = m.restoreAdmin(data)
		case storage.BlockStatus:
			m.events.Restore(data)
		case storage.BlockIndicator:
			m.indicators.Restore(data)
		case storage.BlockAging:
			m.mem.RestoreAging(data)
		case storage.BlockPermanent:
			m.mem.RestorePermanent(data)
		case storage.BlockStatistics:
			m.mem.RestoreStatistics(data)
		case storage.BlockFreezeObd:
			if m.ff != nil {
				err = m.ff.Restore(data)
			}
		default:
			index, ok := storage.ParseEntryBlock(id)
			if !ok {
				err = errors.New("неизвестный блок")
				break
			}
			if err = m.mem.RestoreEntry(faultmemory.EntryIndex(index), data); err == nil {
				entries++
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("block", string(id)).Msg("Блок NvM пропущен")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("не удалось загрузить образ памяти: %w", err)
	}

	m.mem.RebuildChronology()
	for _, info := range m.mem.Entries() {
		m.aging.RestoreAgingTargetCycleOfEntry(info.Index)
	}
	m.proc.Refresh()

	log.Info().
		Int("entries", entries).
		Uint16("aging_cycle", m.cycles.CurrentAgingCycle()).
		Uint16("confirmed", m.mem.ConfirmedCount()).
		Msg("Образ памяти неисправностей загружен")
	return nil
}
