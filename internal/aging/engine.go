// Package aging реализует старение событий: автоматическое снятие
// подтвержденного статуса после заданного числа циклов без отказа.
//
// Состояние автомата не хранится отдельно, оно закодировано значением
// целевого цикла старения: CycleCountInvalid - нет старения, значение из
// диапазона счетчика - идет старение, CycleCountAged и CycleCountLatched -
// старение завершено.
package aging

import (
	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/event"
	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/internal/opcycle"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// WWHObdAgingMinutes - 200 часов работы двигателя.
const WWHObdAgingMinutes uint32 = 200 * 60

// Status - расшифрованное состояние старения.
type Status uint8

const (
	StatusNone Status = iota
	StatusAging
	StatusAged
	StatusLatched
)

func (s Status) String() string {
	switch s {
	case StatusAging:
		return "aging"
	case StatusAged:
		return "aged"
	case StatusLatched:
		return "latched"
	default:
		return "none"
	}
}

// Classify расшифровывает значение целевого цикла.
func Classify(target uint16) Status {
	switch {
	case target == opcycle.CycleCountAged:
		return StatusAged
	case target == opcycle.CycleCountLatched:
		return StatusLatched
	case opcycle.IsCycleCount(target):
		return StatusAging
	default:
		return StatusNone
	}
}

// DTCLayer - обратные вызовы уровня DTC, который владеет статусом и записями.
type DTCLayer interface {
	InternalStatus(id config.EventID) status.UDS
	ProcessAgingFinished(id config.EventID, suppressNotifications bool)
	// Lock сериализует изменения DTC события.
	Lock(id config.EventID) func()
}

// FreezeFrameClearer очищает OBD freeze frame события.
type FreezeFrameClearer interface {
	Clear(id config.EventID) bool
}

// Engine - автомат старения всех событий.
type Engine struct {
	cfg    *config.Config
	mem    *faultmemory.Store
	events *event.Store
	cycles *opcycle.Counter
	ff     FreezeFrameClearer
	dtc    DTCLayer
}

// NewEngine создает движок старения. ff может быть nil, если OBD выключен.
func NewEngine(cfg *config.Config, mem *faultmemory.Store, events *event.Store, cycles *opcycle.Counter, ff FreezeFrameClearer) *Engine {
	return &Engine{cfg: cfg, mem: mem, events: events, cycles: cycles, ff: ff}
}

// SetDTCLayer подключает уровень DTC. Без него статус читается напрямую из событий.
func (e *Engine) SetDTCLayer(l DTCLayer) {
	e.dtc = l
}

func (e *Engine) status(id config.EventID) status.UDS {
	if e.dtc != nil {
		return e.dtc.InternalStatus(id)
	}
	return e.events.Status(id)
}

// GetAgingTargetCycle возвращает целевой цикл старения: независимый счетчик,
// если он сконфигурирован, иначе значение из записи.
func (e *Engine) GetAgingTargetCycle(id config.EventID, idx faultmemory.EntryIndex) uint16 {
	if e.cfg.AgingIndependent() {
		ev := e.cfg.Event(id)
		if ev == nil || ev.AgingCounterIndex < 0 {
			diag.ReportInconsistentState("независимый счетчик старения для события %d не сконфигурирован", id)
			return opcycle.CycleCountInvalid
		}
		return e.mem.AgingCounter(ev.AgingCounterIndex)
	}
	if idx == faultmemory.EntryIndexInvalid {
		return opcycle.CycleCountInvalid
	}
	entry, ok := e.mem.Snapshot(idx)
	if !ok {
		return opcycle.CycleCountInvalid
	}
	return entry.AgingTargetCycle
}

// GetAgingStatus классифицирует целевой цикл события.
func (e *Engine) GetAgingStatus(id config.EventID, idx faultmemory.EntryIndex) Status {
	return Classify(e.GetAgingTargetCycle(id, idx))
}

// StatusOf возвращает состояние старения события по его текущей записи.
func (e *Engine) StatusOf(id config.EventID) Status {
	return e.GetAgingStatus(id, e.mem.FindEventEntry(id))
}

func (e *Engine) setAgingTargetCycle(id config.EventID, idx faultmemory.EntryIndex, target uint16) {
	if e.cfg.AgingIndependent() {
		ev := e.cfg.Event(id)
		if ev == nil || ev.AgingCounterIndex < 0 {
			diag.ReportInconsistentState("независимый счетчик старения для события %d не сконфигурирован", id)
			return
		}
		e.mem.SetAgingCounter(ev.AgingCounterIndex, target)
		return
	}
	if idx == faultmemory.EntryIndexInvalid {
		return
	}
	e.mem.UpdateEntry(idx, false, func(en *faultmemory.Entry) {
		en.AgingTargetCycle = target
		if !opcycle.IsCycleCount(target) {
			en.AgingTimer = faultmemory.AgingTimerInvalid
		}
	})
}

// StartConditionsFulfilled проверяет условия начала старения. atCycleEnd
// означает вызов в конце активного рабочего цикла.
func (e *Engine) StartConditionsFulfilled(id config.EventID, atCycleEnd bool) bool {
	st := e.status(id)
	if st.Any(status.TF | status.TNCTOC) {
		return false
	}
	if e.cfg.Features.AgingRequiresNotFailed && st.Has(status.TFTOC) {
		return false
	}
	if !atCycleEnd && !e.cfg.Features.AgingStartOnPassed {
		return false
	}
	idx := e.mem.FindEventEntry(id)
	if e.GetAgingStatus(id, idx) != StatusNone {
		return false
	}
	return idx != faultmemory.EntryIndexInvalid || st.Has(status.CDTC)
}

// ProcessStartOnPassed начинает старение сразу после прохождения теста.
func (e *Engine) ProcessStartOnPassed(id config.EventID) {
	if e.StartConditionsFulfilled(id, false) {
		e.start(id, false)
	}
}

// ProcessStartOnOpCycleEnd начинает старение в конце рабочего цикла.
func (e *Engine) ProcessStartOnOpCycleEnd(id config.EventID) {
	if e.StartConditionsFulfilled(id, true) {
		e.start(id, false)
	}
}

func (e *Engine) start(id config.EventID, suppress bool) {
	ev := e.cfg.Event(id)
	if ev == nil {
		diag.ReportInconsistentState("старение недопустимого события %d", id)
		return
	}
	if ev.AgingTarget == 0 {
		e.startZeroTarget(id, suppress)
		return
	}
	e.startMultiTarget(id, ev)
}

func (e *Engine) startZeroTarget(id config.EventID, suppress bool) {
	e.Finished(id, e.mem.FindEventEntry(id), suppress)
}

func (e *Engine) startMultiTarget(id config.EventID, ev *config.EventConfig) {
	idx := e.mem.FindEventEntry(id)
	if idx == faultmemory.EntryIndexInvalid && !e.cfg.AgingIndependent() {
		if !e.cfg.Features.AgingAllocatesEntry {
			return
		}
		idx = e.mem.AllocateAgingOnly(id)
		if idx == faultmemory.EntryIndexInvalid {
			log.Debug().Uint16("event", uint16(id)).Msg("Нет записи для счетчика старения")
			return
		}
	}

	target := opcycle.AddCycleCount(e.cycles.CurrentAgingCycle(), uint16(ev.AgingTarget))
	e.setAgingTargetCycle(id, idx, target)
	if idx == faultmemory.EntryIndexInvalid {
		return
	}
	e.events.SetStoredStatus(id, event.StoredAging)
	if e.cfg.IsWWHObd() {
		timer := e.cycles.EngineRuntimeMinutes() + WWHObdAgingMinutes
		if timer < WWHObdAgingMinutes || timer == faultmemory.AgingTimerInvalid {
			timer = faultmemory.AgingTimerInvalid - 1
		}
		e.mem.UpdateEntry(idx, false, func(en *faultmemory.Entry) {
			en.AgingTimer = timer
		})
	}
	log.Debug().Uint16("event", uint16(id)).Uint16("target", target).Msg("Начато старение")
}

func (e *Engine) pausedThisCycle(st status.UDS) bool {
	f := e.cfg.Features
	return (f.AgingRequiresTested && st.Has(status.TNCTOC)) ||
		(f.AgingRequiresNotFailed && st.Has(status.TFTOC))
}

// ProcessAgingCycleEnd продолжает старение события в конце цикла старения.
// Вызывается после увеличения номера цикла и до перезапуска битов цикла.
func (e *Engine) ProcessAgingCycleEnd(id config.EventID) {
	idx := e.mem.FindEventEntry(id)
	target := e.GetAgingTargetCycle(id, idx)
	if Classify(target) != StatusAging {
		return
	}
	e.continueAging(id, idx, target)
}

func (e *Engine) continueAging(id config.EventID, idx faultmemory.EntryIndex, target uint16) {
	st := e.status(id)
	if st.Has(status.TF) {
		return
	}
	if e.pausedThisCycle(st) {
		e.setAgingTargetCycle(id, idx, opcycle.AddCycleCount(target, 1))
		return
	}
	ev := e.cfg.Event(id)
	current := e.cycles.CurrentAgingCycle()
	if current == target || opcycle.CycleCountDistance(current, target) > uint16(ev.AgingTarget) {
		e.Finished(id, idx, false)
	}
}

// Finished завершает старение: уровень DTC снимает подтверждение, затем
// целевой цикл получает значение Aged или Latched. Повторный вызов безопасен.
func (e *Engine) Finished(id config.EventID, idx faultmemory.EntryIndex, suppress bool) {
	ev := e.cfg.Event(id)
	if ev == nil {
		diag.ReportInconsistentState("завершение старения недопустимого события %d", id)
		return
	}
	if e.dtc != nil {
		e.dtc.ProcessAgingFinished(id, suppress)
	}
	// запись могла быть освобождена уровнем DTC
	idx = e.mem.FindEventEntry(id)

	if ev.SupportsAging() {
		e.setAgingTargetCycle(id, idx, opcycle.CycleCountAged)
		if e.ff != nil && e.cfg.IsObd() {
			e.ff.Clear(id)
		}
	} else {
		e.setAgingTargetCycle(id, idx, opcycle.CycleCountLatched)
	}
	log.Debug().Uint16("event", uint16(id)).Bool("latched", !ev.SupportsAging()).Msg("Старение завершено")
}

func (e *Engine) interrupt(id config.EventID, reason string) {
	idx := e.mem.FindEventEntry(id)
	if e.GetAgingStatus(id, idx) == StatusNone {
		return
	}
	e.setAgingTargetCycle(id, idx, opcycle.CycleCountInvalid)
	if idx != faultmemory.EntryIndexInvalid && e.events.StoredStatus(id) == event.StoredAging {
		e.events.SetStoredStatus(id, event.StoredActive)
	}
	log.Debug().Uint16("event", uint16(id)).Str("reason", reason).Msg("Старение прервано")
}

// ProcessOnFailed прерывает старение при отказе.
func (e *Engine) ProcessOnFailed(id config.EventID) {
	e.interrupt(id, "failed")
}

// ProcessOnFdcTrip прерывает старение при превышении порога FDC.
func (e *Engine) ProcessOnFdcTrip(id config.EventID) {
	e.interrupt(id, "fdc")
}

// ProcessOnClear сбрасывает счетчик старения при очистке DTC.
func (e *Engine) ProcessOnClear(id config.EventID) {
	if e.cfg.AgingIndependent() {
		e.setAgingTargetCycle(id, faultmemory.EntryIndexInvalid, opcycle.CycleCountInvalid)
		return
	}
	e.interrupt(id, "clear")
}

// ProcessOnDisplaced сбрасывает независимый счетчик старения вытесненного события.
// Счетчик в записи исчезает вместе с записью.
func (e *Engine) ProcessOnDisplaced(id config.EventID) {
	if e.cfg.AgingIndependent() {
		e.setAgingTargetCycle(id, faultmemory.EntryIndexInvalid, opcycle.CycleCountInvalid)
	}
}

// RestoreAgingTargetCycleOfEntry проверяет целевой цикл записи после загрузки из NVRAM.
// Отказ за неизвестное время сбрасывает старение, цель дальше AgingTarget
// циклов от текущего ограничивается.
func (e *Engine) RestoreAgingTargetCycleOfEntry(idx faultmemory.EntryIndex) {
	id := e.mem.EventOf(idx)
	ev := e.cfg.Event(id)
	if ev == nil {
		return
	}
	target := e.GetAgingTargetCycle(id, idx)
	if !opcycle.IsCycleCount(target) {
		return
	}
	if e.status(id).Has(status.TF) {
		e.setAgingTargetCycle(id, idx, opcycle.CycleCountInvalid)
		e.events.SetStoredStatus(id, event.StoredActive)
		return
	}
	current := e.cycles.CurrentAgingCycle()
	if opcycle.CycleCountDistance(current, target) > uint16(ev.AgingTarget) {
		clamped := opcycle.AddCycleCount(current, uint16(ev.AgingTarget))
		log.Warn().Uint16("event", uint16(id)).Uint16("target", target).Uint16("clamped", clamped).Msg("Целевой цикл старения вне диапазона")
		e.setAgingTargetCycle(id, idx, clamped)
	}
}

// ProcessAgingTimer завершает старение записей, у которых истек таймер 200 часов (WWH-OBD).
func (e *Engine) ProcessAgingTimer() {
	if !e.cfg.IsWWHObd() {
		return
	}
	runtime := e.cycles.EngineRuntimeMinutes()
	for _, idx := range e.mem.Chronology(config.MemoryPrimary) {
		entry, ok := e.mem.Snapshot(idx)
		if !ok || entry.AgingTimer == faultmemory.AgingTimerInvalid || runtime < entry.AgingTimer {
			continue
		}
		unlock := e.lock(entry.EventID)
		e.processAgingTimerOf(idx, runtime)
		unlock()
	}
}

// processAgingTimerOf повторяет проверку записи под блокировкой DTC: между
// обходом и блокировкой запись могла быть освобождена или перезанята.
func (e *Engine) processAgingTimerOf(idx faultmemory.EntryIndex, runtime uint32) {
	entry, ok := e.mem.Snapshot(idx)
	if !ok || entry.AgingTimer == faultmemory.AgingTimerInvalid || runtime < entry.AgingTimer {
		return
	}
	if e.GetAgingStatus(entry.EventID, idx) != StatusAging {
		return
	}
	log.Debug().Uint16("event", uint16(entry.EventID)).Uint32("runtime", runtime).Msg("Истек таймер старения WWH-OBD")
	e.Finished(entry.EventID, idx, false)
}

func (e *Engine) lock(id config.EventID) func() {
	if e.dtc == nil {
		return func() {}
	}
	return e.dtc.Lock(id)
}
