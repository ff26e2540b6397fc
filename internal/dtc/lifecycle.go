package dtc

import (
	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/event"
	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// agingMembers возвращает события, на которые распространяется старение владельца.
func (p *Processor) agingMembers(owner config.EventID) []config.EventID {
	if p.cfg.Features.Combination == config.CombinationType1 {
		return p.comb.members(owner)
	}
	return []config.EventID{owner}
}

// ProcessAgingFinished снимает подтверждение состарившегося DTC. Счетчики
// подтвержденных DTC меняются только при переходе CDTC из 1 в 0, поэтому
// повторный вызов ничего не меняет.
func (p *Processor) ProcessAgingFinished(owner config.EventID, suppressNotifications bool) {
	if !p.cfg.IsValidEvent(owner) {
		diag.ReportInconsistentState("завершение старения недопустимого события %d", owner)
		return
	}
	dtc, oldExt := p.snapshot(owner)
	oldRaw := p.rawStatus(dtc)
	storedBefore := p.events.StoredStatus(owner)

	idx := p.mem.FindEventEntry(owner)
	if idx != faultmemory.EntryIndexInvalid {
		p.mem.UpdateEntry(idx, false, func(e *faultmemory.Entry) {
			e.FailedCycleCounter = 0
			e.FaultPendingCounter = 0
		})
	}
	for _, m := range p.agingMembers(owner) {
		p.indicators.SetBits(m, status.SI30ADTC)
		p.events.Update(m, func(s status.UDS) status.UDS { return s.Reset(status.CDTC) })
		p.events.Unqualify(m, status.CDTC)
		p.comb.refresh(m)
	}

	cleared := oldRaw.Has(status.CDTC) && !p.rawStatus(dtc).Has(status.CDTC)
	if cleared {
		p.mem.ReleasePermanent(dtc)
		p.mem.DecrementConfirmed()
	}

	if idx != faultmemory.EntryIndexInvalid {
		entry, _ := p.mem.Snapshot(idx)
		if p.cfg.Features.RetainEntryAfterAging && !entry.AgingOnly {
			p.events.SetStoredStatus(owner, event.StoredAged)
		} else {
			p.mem.Free(idx)
			p.events.SetStoredStatus(owner, event.StoredNone)
		}
	}
	if cleared || (idx != faultmemory.EntryIndexInvalid && storedBefore != event.StoredAged) {
		p.mem.IncrementAgedCounter(owner)
	}

	log.Info().Uint16("event", uint16(owner)).Bool("confirmed_cleared", cleared).Msg("DTC состарился")
	if !suppressNotifications {
		p.notify(dtc, oldExt)
	}
}

func (p *Processor) allowed(id config.EventID) bool {
	return p.clearAllowed == nil || p.clearAllowed(id)
}

// Cleared очищает DTC события. Type-1 очищает все подсобытия, если очистка
// разрешена, Type-2 - каждое подключенное подсобытие с разрешенной очисткой.
// Возвращает false, если ни одно событие не очищено.
func (p *Processor) Cleared(id config.EventID) bool {
	if !p.cfg.IsValidEvent(id) {
		diag.ReportInconsistentState("очистка недопустимого события %d", id)
		return false
	}
	dtc, oldExt := p.snapshot(id)
	oldRaw := p.rawStatus(dtc)

	var targets []config.EventID
	switch p.cfg.Features.Combination {
	case config.CombinationType1:
		if p.allowed(dtc) {
			targets = p.comb.members(dtc)
		}
	case config.CombinationType2:
		for _, m := range p.comb.members(dtc) {
			if p.events.IsAvailable(m) && p.allowed(m) {
				targets = append(targets, m)
			}
		}
	default:
		if p.allowed(id) {
			targets = []config.EventID{id}
		}
	}
	if len(targets) == 0 {
		return false
	}
	for _, t := range targets {
		p.clearInternal(t)
	}

	if oldRaw.Has(status.CDTC) && !p.rawStatus(dtc).Has(status.CDTC) {
		p.mem.DecrementConfirmed()
	}
	log.Info().Uint16("dtc", uint16(dtc)).Int("events", len(targets)).Msg("DTC очищен")
	p.notify(dtc, oldExt)
	return true
}

func (p *Processor) clearInternal(id config.EventID) {
	owner := p.cfg.MasterEvent(id)
	p.aging.ProcessOnClear(owner)
	if idx := p.mem.FindEventEntry(owner); idx != faultmemory.EntryIndexInvalid {
		p.mem.Free(idx)
	}
	p.events.SetStoredStatus(owner, event.StoredNone)
	if p.ff != nil {
		p.ff.Clear(owner)
	}
	p.mem.ReleasePermanent(owner)

	p.events.Reset(id)
	p.indicators.Reset(id)
	p.mem.ResetAgedCounter(id)
	p.comb.refresh(id)
}

// ClearAll очищает все DTC.
func (p *Processor) ClearAll() int {
	n := 0
	for _, id := range p.cfg.EventIDs() {
		if p.comb.dtcID(id) != id {
			continue
		}
		unlock := p.Lock(id)
		if p.Cleared(id) {
			n++
		}
		unlock()
	}
	if p.ff != nil {
		p.ff.ClearAll()
	}
	return n
}

// Disconnect отключает событие во время выполнения. Группа считается
// отключенной, когда отключены все ее события.
func (p *Processor) Disconnect(id config.EventID) bool {
	if !p.cfg.IsValidEvent(id) {
		diag.ReportInconsistentState("отключение недопустимого события %d", id)
		return false
	}
	dtc, oldExt := p.snapshot(id)
	oldRaw := p.rawStatus(dtc)
	if !p.events.Disconnect(id) {
		return false
	}
	p.comb.refresh(id)
	if oldRaw.Has(status.CDTC) && !p.rawStatus(dtc).Has(status.CDTC) {
		p.mem.DecrementConfirmed()
	}
	log.Info().Uint16("event", uint16(id)).Bool("dtc_disconnected", p.comb.disconnected(id)).Msg("Событие отключено")
	p.notify(dtc, oldExt)
	return true
}

// Reconnect подключает событие обратно.
func (p *Processor) Reconnect(id config.EventID) bool {
	if !p.cfg.IsValidEvent(id) {
		diag.ReportInconsistentState("подключение недопустимого события %d", id)
		return false
	}
	dtc, oldExt := p.snapshot(id)
	if !p.events.Reconnect(id) {
		return false
	}
	p.comb.refresh(id)
	log.Info().Uint16("event", uint16(id)).Msg("Событие подключено")
	p.notify(dtc, oldExt)
	return true
}

// CombinedGroupGetFDC возвращает наибольший FDC подключенных событий группы.
// FDC подсобытий читаются по одному без общей блокировки, результат может
// сочетать значения разных моментов.
func (p *Processor) CombinedGroupGetFDC(id config.EventID) (int8, bool) {
	g := p.cfg.Group(id)
	if g == nil {
		diag.ReportInconsistentState("событие %d не входит в комбинированную группу", id)
		return 0, false
	}
	var fdc int8
	found := false
	for _, m := range g.Events {
		if !p.events.IsAvailable(m) {
			continue
		}
		v := p.events.FDC(m)
		if !found || v > fdc {
			fdc = v
			found = true
		}
	}
	return fdc, true
}

// GetFDC возвращает FDC события или его группы.
func (p *Processor) GetFDC(id config.EventID) (int8, bool) {
	if !p.cfg.IsValidEvent(id) {
		return 0, false
	}
	if p.cfg.Group(id) != nil {
		return p.CombinedGroupGetFDC(id)
	}
	return p.events.FDC(id), true
}

// RestartOperationCycle переводит все события в новый рабочий цикл. Для OBD
// подтверждение и индикатор квалифицируются циклом вождения.
func (p *Processor) RestartOperationCycle() {
	for _, id := range p.cfg.EventIDs() {
		if p.comb.dtcID(id) != id {
			continue
		}
		unlock := p.Lock(id)
		dtc, oldExt := p.snapshot(id)
		for _, m := range p.comb.members(dtc) {
			before := p.events.Status(m)
			if before.Has(status.CDTC) {
				p.events.Qualify(m, status.CDTC)
			}
			_, next := p.events.RestartCycle(m)
			if next.Has(status.WIR) {
				p.events.Qualify(m, status.WIR)
			} else {
				p.events.Unqualify(m, status.WIR)
			}
			p.comb.refresh(m)
		}
		p.notify(dtc, oldExt)
		unlock()
	}
	p.indicators.ResetCycleBits()
}
