// Package displacement выбирает запись, которую нужно вытеснить из заполненной памяти событий.
package displacement

import (
	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/event"
	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/internal/opcycle"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// StatusReader дает доступ к состоянию событий.
type StatusReader interface {
	Status(id config.EventID) status.UDS
	StoredStatus(id config.EventID) event.StoredStatus
}

// candidate - временное представление записи на время одного выбора.
type candidate struct {
	index    faultmemory.EntryIndex
	event    config.EventID
	status   status.UDS
	priority uint8
}

func (c candidate) passive() bool {
	return !c.status.Has(status.TF)
}

func (c candidate) untested() bool {
	return c.status.Has(status.TNCTOC)
}

// DTCLayer возвращает внутренний статус владельца записи с учетом комбинации.
type DTCLayer interface {
	InternalStatus(id config.EventID) status.UDS
}

// Selector реализует выбор вытесняемой записи.
type Selector struct {
	cfg    *config.Config
	mem    *faultmemory.Store
	events StatusReader
	dtc    DTCLayer
}

// NewSelector создает селектор над памятью неисправностей.
func NewSelector(cfg *config.Config, mem *faultmemory.Store, events StatusReader) *Selector {
	return &Selector{cfg: cfg, mem: mem, events: events}
}

// SetDTCLayer подключает уровень DTC. Без него статус читается напрямую из событий.
func (s *Selector) SetDTCLayer(l DTCLayer) {
	s.dtc = l
}

func (s *Selector) status(id config.EventID) status.UDS {
	if s.dtc != nil {
		return s.dtc.InternalStatus(id)
	}
	return s.events.Status(id)
}

// SelectDisplacedIndex возвращает лучшую для вытеснения запись памяти memID
// или EntryIndexInvalid, если ни одну запись вытеснить нельзя. Просмотр идет
// от старых записей к новым, при равном качестве побеждает более старая.
func (s *Selector) SelectDisplacedIndex(memID config.MemoryID, displacing config.EventID) faultmemory.EntryIndex {
	d := s.cfg.Features.Displacement
	if !d.Enabled {
		return faultmemory.EntryIndexInvalid
	}
	if s.cfg.Features.CustomizedMemory {
		return s.SelectCustomizedDisplacedIndex(memID, displacing)
	}
	ev := s.cfg.Event(displacing)
	if ev == nil {
		diag.ReportInconsistentState("вытеснение для недопустимого события %d", displacing)
		return faultmemory.EntryIndexInvalid
	}

	var best *candidate
	fallback := faultmemory.EntryIndexInvalid
	for _, idx := range s.mem.Chronology(memID) {
		id := s.mem.EventOf(idx)
		cev := s.cfg.Event(id)
		if cev == nil {
			log.Debug().Int("entry", int(idx)).Msg("Вытесняется запись недопустимого события")
			return idx
		}
		if s.cfg.Features.RetainEntryAfterAging && s.isAged(idx, id) {
			return idx
		}
		if s.cfg.Features.AgingAllocatesEntry {
			if e, ok := s.mem.Snapshot(idx); ok && e.AgingOnly {
				return idx
			}
		}

		c := candidate{index: idx, event: id, status: s.status(id), priority: cev.Priority}
		if c.priority < ev.Priority {
			continue
		}
		if d.ObdExclusion && cev.ObdRelevant && c.status.Any(status.PDTC|status.WIR) {
			continue
		}
		if s.mem.IsLockedForReadout(idx) {
			continue
		}
		if fallback == faultmemory.EntryIndexInvalid {
			fallback = idx
		}

		if d.PriorityFirstMatch && c.priority > ev.Priority {
			return idx
		}
		if !s.matches(c, ev.Priority) {
			continue
		}
		if best == nil || s.better(c, *best) {
			cc := c
			best = &cc
		}
	}

	if best != nil {
		return best.index
	}
	if d.Fallback == config.FallbackOldest {
		return fallback
	}
	return faultmemory.EntryIndexInvalid
}

// SelectCustomizedDisplacedIndex - упрощенный выбор: первая состарившаяся
// запись, иначе самая старая запись с более низким приоритетом.
func (s *Selector) SelectCustomizedDisplacedIndex(memID config.MemoryID, displacing config.EventID) faultmemory.EntryIndex {
	ev := s.cfg.Event(displacing)
	if ev == nil {
		diag.ReportInconsistentState("вытеснение для недопустимого события %d", displacing)
		return faultmemory.EntryIndexInvalid
	}
	lower := faultmemory.EntryIndexInvalid
	for _, idx := range s.mem.Chronology(memID) {
		id := s.mem.EventOf(idx)
		cev := s.cfg.Event(id)
		if cev == nil || s.isAged(idx, id) {
			return idx
		}
		if lower == faultmemory.EntryIndexInvalid && cev.Priority > ev.Priority && !s.mem.IsLockedForReadout(idx) {
			lower = idx
		}
	}
	return lower
}

func (s *Selector) isAged(idx faultmemory.EntryIndex, id config.EventID) bool {
	if s.events.StoredStatus(id) == event.StoredAged {
		return true
	}
	if s.cfg.AgingIndependent() {
		return false
	}
	e, ok := s.mem.Snapshot(idx)
	return ok && (e.AgingTargetCycle == opcycle.CycleCountAged || e.AgingTargetCycle == opcycle.CycleCountLatched)
}

// matches проверяет, может ли кандидат быть вытеснен событием с приоритетом prio.
func (s *Selector) matches(c candidate, prio uint8) bool {
	if c.priority > prio {
		return true
	}
	d := s.cfg.Features.Displacement
	if d.PassivePreference && c.passive() {
		return true
	}
	return d.ReadinessPreference && c.untested()
}

// better сообщает, предпочтительнее ли c для вытеснения, чем best.
func (s *Selector) better(c, best candidate) bool {
	if c.priority != best.priority {
		return c.priority > best.priority
	}
	d := s.cfg.Features.Displacement
	if d.PassivePreference && c.passive() != best.passive() {
		return c.passive()
	}
	if d.ReadinessPreference && c.untested() != best.untested() {
		return c.untested()
	}
	return false
}
