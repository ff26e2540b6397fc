// Package opcycle моделирует счетчики рабочих циклов и циклов старения.
package opcycle

import "sync"

// Диапазон значений счетчика циклов и служебные значения над ним.
const (
	CycleCountMax     uint16 = 0xEFFF
	CycleCountLatched uint16 = 0xFFFD
	CycleCountAged    uint16 = 0xFFFE
	CycleCountInvalid uint16 = 0xFFFF
)

const cycleCountModulo = uint32(CycleCountMax) + 1

// AddCycleCount прибавляет delta к счетчику по модулю диапазона.
func AddCycleCount(count uint16, delta uint16) uint16 {
	return uint16((uint32(count) + uint32(delta)) % cycleCountModulo)
}

// CycleCountDistance возвращает число циклов от from до to с учетом переполнения.
func CycleCountDistance(from, to uint16) uint16 {
	return uint16((uint32(to) + cycleCountModulo - uint32(from)%cycleCountModulo) % cycleCountModulo)
}

// IsCycleCount сообщает, является ли значение обычным счетчиком, а не служебным значением.
func IsCycleCount(v uint16) bool {
	return v <= CycleCountMax
}

// Counter хранит текущий номер цикла старения и наработку двигателя.
type Counter struct {
	mu             sync.Mutex
	agingCycle     uint16
	runtimeMinutes uint32
	cycleActive    bool
}

// NewCounter создает счетчик с начальным номером цикла старения.
func NewCounter(start uint16) *Counter {
	return &Counter{agingCycle: start % uint16(cycleCountModulo)}
}

// CurrentAgingCycle возвращает текущий номер цикла старения.
func (c *Counter) CurrentAgingCycle() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agingCycle
}

// SetAgingCycle устанавливает номер цикла (восстановление из NVRAM).
func (c *Counter) SetAgingCycle(v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agingCycle = v % uint16(cycleCountModulo)
}

// IncrementAgingCycle завершает цикл старения и возвращает новый номер.
func (c *Counter) IncrementAgingCycle() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agingCycle = AddCycleCount(c.agingCycle, 1)
	return c.agingCycle
}

// EngineRuntimeMinutes возвращает накопленную наработку двигателя в минутах.
func (c *Counter) EngineRuntimeMinutes() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeMinutes
}

// SetEngineRuntimeMinutes обновляет наработку двигателя.
func (c *Counter) SetEngineRuntimeMinutes(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runtimeMinutes = v
}

// Start отмечает начало рабочего цикла. Возвращает false, если цикл уже активен.
func (c *Counter) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycleActive {
		return false
	}
	c.cycleActive = true
	return true
}

// Stop отмечает конец рабочего цикла. Возвращает false, если цикл не был активен.
func (c *Counter) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cycleActive {
		return false
	}
	c.cycleActive = false
	return true
}

// IsActive сообщает, идет ли рабочий цикл.
func (c *Counter) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleActive
}
