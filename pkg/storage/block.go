package storage

import "fmt"

// BlockID - имя блока NVRAM (ключ в bbolt).
type BlockID string

// Служебные блоки образа памяти неисправностей.
const (
	BlockAdmin      BlockID = "admin"      // номер цикла старения, счетчики, метка времени
	BlockStatus     BlockID = "status"     // байты статуса событий
	BlockIndicator  BlockID = "indicator"  // байты SI30
	BlockAging      BlockID = "aging"      // независимые от записей счетчики старения
	BlockFreezeObd  BlockID = "ffobd"      // слоты OBD freeze frame
	BlockPermanent  BlockID = "permanent"  // постоянная память
	BlockStatistics BlockID = "statistics" // счетчики состарившихся DTC
)

const entryBlockPrefix = "entry/"

// EntryBlock возвращает имя блока записи памяти событий.
func EntryBlock(index int) BlockID {
	return BlockID(fmt.Sprintf("%s%03d", entryBlockPrefix, index))
}

// ParseEntryBlock извлекает индекс записи из имени блока.
func ParseEntryBlock(id BlockID) (int, bool) {
	var index int
	if _, err := fmt.Sscanf(string(id), entryBlockPrefix+"%d", &index); err != nil {
		return 0, false
	}
	return index, true
}

// BlockState - состояние блока NVRAM с точки зрения ядра.
type BlockState uint8

const (
	BlockClean BlockState = iota
	// BlockDirty - блок изменен и будет записан при очередной записи.
	BlockDirty
	// BlockDirtyImmediate - блок должен быть записан при ближайшем вызове главной функции.
	BlockDirtyImmediate
	// BlockDirtyClearedImmediate - блок очищен и должен быть удален немедленно.
	BlockDirtyClearedImmediate
)

func (s BlockState) String() string {
	switch s {
	case BlockDirty:
		return "dirty"
	case BlockDirtyImmediate:
		return "dirty-immediate"
	case BlockDirtyClearedImmediate:
		return "cleared-immediate"
	default:
		return "clean"
	}
}
