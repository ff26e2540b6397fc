package dtc

import (
	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/event"
	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/internal/opcycle"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// Trigger - набор сработавших триггеров сохранения или обновления.
type Trigger uint8

const (
	TriggerFailed Trigger = 1 << iota
	TriggerTFOC
	TriggerConfirmed
	TriggerPending
	TriggerFdc
	TriggerIndicator
)

func triggerMask(list []config.Trigger) Trigger {
	var m Trigger
	for _, t := range list {
		switch t {
		case config.TriggerFailed:
			m |= TriggerFailed
		case config.TriggerTFOC:
			m |= TriggerTFOC
		case config.TriggerConfirmed:
			m |= TriggerConfirmed
		case config.TriggerPending:
			m |= TriggerPending
		case config.TriggerFdc:
			m |= TriggerFdc
		}
	}
	return m
}

// effectsOf вычисляет триггеры по переходам битов статуса события.
func effectsOf(old, next status.UDS) Trigger {
	set := status.Transitions(old, next)
	var t Trigger
	if set.Has(status.TF) {
		t |= TriggerFailed
	}
	if set.Has(status.TFTOC) {
		t |= TriggerTFOC
	}
	if set.Has(status.CDTC) {
		t |= TriggerConfirmed
	}
	if set.Has(status.PDTC) {
		t |= TriggerPending
	}
	if set.Has(status.WIR) {
		t |= TriggerIndicator
	}
	return t
}

// rawStatus - внутренний статус DTC без учета квалификации. По нему ведутся
// глобальные счетчики подтвержденных DTC.
func (p *Processor) rawStatus(id config.EventID) status.UDS {
	var st status.UDS
	for _, m := range p.comb.members(id) {
		if p.events.IsAvailable(m) {
			st |= p.events.Status(m)
		}
	}
	return status.ApplyCombinedStatus(st)
}

// ProcessFailed обрабатывает квалифицированный отказ события.
func (p *Processor) ProcessFailed(id config.EventID) {
	ev := p.cfg.Event(id)
	if ev == nil {
		diag.ReportInconsistentState("отказ недопустимого события %d", id)
		return
	}
	if !p.events.IsAvailable(id) {
		return
	}
	dtc, oldExt := p.snapshot(id)
	oldRaw := p.rawStatus(dtc)

	old, next := p.events.ApplyFailed(id)
	p.comb.refresh(id)
	owner := p.cfg.MasterEvent(id)
	p.aging.ProcessOnFailed(owner)

	trig := effectsOf(old, next)
	p.processStorage(id, owner, trig, old, next)

	st := p.events.Status(id)
	p.indicators.ApplyFailed(id, st.Has(status.CDTC), st.Has(status.WIR), ev.ObdRelevant)
	p.storeFreezeFrame(id, owner, trig)
	p.updateConfirmed(dtc, oldRaw)
	p.notify(dtc, oldExt)
}

// ProcessPassed обрабатывает квалифицированное прохождение теста и при
// выполненных условиях начинает старение.
func (p *Processor) ProcessPassed(id config.EventID) {
	if !p.cfg.IsValidEvent(id) {
		diag.ReportInconsistentState("прохождение теста недопустимого события %d", id)
		return
	}
	if !p.events.IsAvailable(id) {
		return
	}
	dtc, oldExt := p.snapshot(id)
	p.events.ApplyPassed(id)
	p.comb.refresh(id)
	p.notify(dtc, oldExt)

	p.aging.ProcessStartOnPassed(p.cfg.MasterEvent(id))
}

// FdcTrip создает или обновляет запись по превышению порога FDC независимо
// от отчета об отказе.
func (p *Processor) FdcTrip(id config.EventID) {
	if !p.cfg.IsValidEvent(id) {
		diag.ReportInconsistentState("превышение FDC недопустимого события %d", id)
		return
	}
	if !p.events.IsAvailable(id) {
		return
	}
	owner := p.cfg.MasterEvent(id)
	p.aging.ProcessOnFdcTrip(owner)
	if (p.storageMask|p.updateMask)&TriggerFdc == 0 {
		return
	}
	st := p.events.Status(id)
	p.processStorage(id, owner, TriggerFdc, st, st)
}

// processStorage применяет триггеры к записи владельца. Возвращает триггеры,
// оставшиеся в силе после возможного отказа в выделении записи.
func (p *Processor) processStorage(id, owner config.EventID, trig Trigger, old, next status.UDS) Trigger {
	ev := p.cfg.Event(owner)
	idx := p.mem.FindEntry(ev.Memory, owner)
	if idx == faultmemory.EntryIndexInvalid {
		if trig&p.storageMask == 0 {
			return trig
		}
		idx = p.createMemory(owner)
		if idx == faultmemory.EntryIndexInvalid {
			return p.discard(id, trig, old, next)
		}
		p.updateEntry(idx, owner, trig, true)
		return trig
	}

	entry, _ := p.mem.Snapshot(idx)
	if p.updatable(owner, entry) {
		if trig&(p.storageMask|p.updateMask) != 0 {
			p.updateEntry(idx, owner, trig, false)
		}
		return trig
	}
	if trig&p.storageMask != 0 {
		p.reclaim(idx)
		p.updateEntry(idx, owner, trig, true)
		return trig
	}
	if entry.AgingOnly {
		p.mem.Free(idx)
		p.events.SetStoredStatus(owner, event.StoredNone)
	}
	return trig
}

// updatable сообщает, хранит ли запись данные отказа: запись только для
// старения или состарившаяся запись не обновляется, а переинициализируется.
func (p *Processor) updatable(owner config.EventID, e faultmemory.Entry) bool {
	return !e.AgingOnly && p.events.StoredStatus(owner) != event.StoredAged
}

func (p *Processor) reclaim(idx faultmemory.EntryIndex) {
	p.mem.UpdateEntry(idx, true, func(e *faultmemory.Entry) {
		e.AgingTargetCycle = opcycle.CycleCountInvalid
		e.AgingTimer = faultmemory.AgingTimerInvalid
		e.OccurrenceCounter = 0
		e.FailedCycleCounter = 0
		e.FaultPendingCounter = 0
		e.AgingOnly = false
	})
	log.Debug().Int("entry", int(idx)).Msg("Запись памяти событий переинициализирована")
}

func (p *Processor) updateEntry(idx faultmemory.EntryIndex, owner config.EventID, trig Trigger, immediate bool) {
	st := p.InternalStatus(owner)
	immediate = immediate || trig&TriggerConfirmed != 0
	p.mem.UpdateEntry(idx, immediate, func(e *faultmemory.Entry) {
		if trig&TriggerFailed != 0 && e.OccurrenceCounter < 0xFF {
			e.OccurrenceCounter++
		}
		if trig&TriggerTFOC != 0 {
			if e.FailedCycleCounter < 0xFF {
				e.FailedCycleCounter++
			}
			if st.Has(status.PDTC) && e.FaultPendingCounter < 0xFF {
				e.FaultPendingCounter++
			}
		}
		e.StatusBits = st
		e.AgingOnly = false
	})
	p.events.SetStoredStatus(owner, event.StoredActive)
}

// createMemory выделяет запись для владельца, при заполненной памяти
// освобождая место вытеснением.
func (p *Processor) createMemory(owner config.EventID) faultmemory.EntryIndex {
	ev := p.cfg.Event(owner)
	idx := p.mem.Allocate(ev.Memory, owner)
	if idx != faultmemory.EntryIndexInvalid {
		return idx
	}
	if !p.cfg.Features.Displacement.Enabled {
		log.Warn().Str("memory", string(ev.Memory)).Int("entries", p.mem.Count(ev.Memory)).Uint16("event", uint16(owner)).Msg("Память событий заполнена")
		return faultmemory.EntryIndexInvalid
	}
	victim := p.selector.SelectDisplacedIndex(ev.Memory, owner)
	if victim == faultmemory.EntryIndexInvalid {
		log.Warn().Str("memory", string(ev.Memory)).Int("entries", p.mem.Count(ev.Memory)).Uint16("event", uint16(owner)).Msg("Память событий заполнена, вытеснить нечего")
		return faultmemory.EntryIndexInvalid
	}
	displaced := p.mem.EventOf(victim)
	if p.comb.dtcID(displaced) != p.comb.dtcID(owner) {
		// ожидание чужой блокировки под своей может замкнуться на встречное вытеснение
		unlock, ok := p.tryLock(displaced)
		if !ok {
			log.Warn().Uint16("event", uint16(owner)).Uint16("displaced", uint16(displaced)).Msg("DTC вытесняемой записи занят, запись не выделена")
			return faultmemory.EntryIndexInvalid
		}
		defer unlock()
	}
	p.mem.Free(victim)
	p.Displaced(displaced)
	log.Info().Uint16("event", uint16(owner)).Uint16("displaced", uint16(displaced)).Msg("Запись памяти событий вытеснена")
	return p.mem.Allocate(ev.Memory, owner)
}

// discard отменяет переходы CDTC и WIR, которые требовали записи в памяти.
func (p *Processor) discard(id config.EventID, trig Trigger, old, next status.UDS) Trigger {
	revert := status.Transitions(old, next) & (status.CDTC | status.WIR)
	if revert != 0 {
		p.events.Update(id, func(s status.UDS) status.UDS { return s.Reset(revert) })
		p.comb.refresh(id)
	}
	log.Warn().Uint16("event", uint16(id)).Msg("Запись не выделена, изменения статуса отброшены")
	return trig &^ (TriggerConfirmed | TriggerIndicator)
}

// Displaced обновляет DTC, чья запись была вытеснена.
func (p *Processor) Displaced(owner config.EventID) {
	if !p.cfg.IsValidEvent(owner) {
		return
	}
	dtc, oldExt := p.snapshot(owner)
	oldRaw := p.rawStatus(dtc)

	p.events.SetStoredStatus(owner, event.StoredNone)
	if p.cfg.Features.ResetConfirmedOnOverflow {
		for _, m := range p.comb.members(owner) {
			p.events.Update(m, func(s status.UDS) status.UDS { return s.Reset(status.CDTC | status.WIR) })
			p.events.Unqualify(m, status.CDTC|status.WIR)
			p.comb.refresh(m)
		}
	}
	p.aging.ProcessOnDisplaced(owner)

	if oldRaw.Has(status.CDTC) && !p.rawStatus(dtc).Has(status.CDTC) {
		p.mem.DecrementConfirmed()
		p.mem.ReleasePermanent(dtc)
		if p.ff != nil {
			p.ff.Clear(owner)
		}
	}
	p.notify(dtc, oldExt)
}

// storeFreezeFrame сохраняет OBD freeze frame при срабатывании pending или confirmed
// независимо от того, выделена ли запись памяти событий.
func (p *Processor) storeFreezeFrame(id, owner config.EventID, trig Trigger) {
	if p.ff == nil {
		return
	}
	if !p.cfg.Event(id).ObdRelevant && !p.cfg.Event(owner).ObdRelevant {
		return
	}
	if trig&(TriggerPending|TriggerConfirmed) != 0 {
		p.ff.Store(owner)
	}
}

// updateConfirmed ведет глобальный счетчик подтвержденных DTC и постоянную память.
func (p *Processor) updateConfirmed(dtc config.EventID, oldRaw status.UDS) {
	next := p.rawStatus(dtc)
	switch {
	case !oldRaw.Has(status.CDTC) && next.Has(status.CDTC):
		p.mem.IncrementConfirmed()
		if p.ff != nil {
			for _, m := range p.comb.members(dtc) {
				p.ff.UpdateVisibility(m)
			}
		}
	case oldRaw.Has(status.CDTC) && !next.Has(status.CDTC):
		p.mem.DecrementConfirmed()
	}
	if p.cfg.IsObd() && p.cfg.Event(dtc).ObdRelevant && next.Has(status.CDTC|status.WIR) && !p.mem.IsPermanent(dtc) {
		if !p.mem.AddPermanent(dtc) {
			log.Warn().Uint16("event", uint16(dtc)).Msg("Постоянная память заполнена")
		}
	}
}
