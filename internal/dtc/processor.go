// Package dtc объединяет события в DTC, применяет триггеры сохранения и
// обновления записей памяти событий и ведет счетчики подтвержденных,
// постоянных и состарившихся DTC.
package dtc

import (
	"sync"
	"sync/atomic"

	"github.com/serebryakov7/j1708-dem/internal/aging"
	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/displacement"
	"github.com/serebryakov7/j1708-dem/internal/event"
	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/internal/freezeframe"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// Notifier получает изменения внешнего статуса DTC.
type Notifier interface {
	DTCStatusChanged(id config.EventID, old, next status.UDS)
}

// Processor - уровень DTC ядра памяти неисправностей.
type Processor struct {
	cfg        *config.Config
	mem        *faultmemory.Store
	events     *event.Store
	indicators *status.Indicators
	aging      *aging.Engine
	selector   *displacement.Selector
	ff         *freezeframe.Memory

	comb         combiner
	notifier     Notifier
	clearAllowed func(id config.EventID) bool
	storageMask  Trigger
	updateMask   Trigger
	suppressed   []atomic.Bool
	locks        []sync.Mutex
}

// NewProcessor собирает уровень DTC и подключает его к движку старения.
// ff равен nil, если OBD выключен.
func NewProcessor(
	cfg *config.Config,
	mem *faultmemory.Store,
	events *event.Store,
	indicators *status.Indicators,
	agingEngine *aging.Engine,
	selector *displacement.Selector,
	ff *freezeframe.Memory,
) *Processor {
	p := &Processor{
		cfg:         cfg,
		mem:         mem,
		events:      events,
		indicators:  indicators,
		aging:       agingEngine,
		selector:    selector,
		ff:          ff,
		comb:        newCombiner(cfg, events),
		storageMask: triggerMask(cfg.Features.StorageTriggers),
		updateMask:  triggerMask(cfg.Features.UpdateTriggers),
		suppressed:  make([]atomic.Bool, cfg.EventCount()),
		locks:       make([]sync.Mutex, cfg.EventCount()),
	}
	agingEngine.SetDTCLayer(p)
	if selector != nil {
		selector.SetDTCLayer(p)
	}
	if ff != nil {
		ff.SetDTCLayer(p)
	}
	return p
}

// SetNotifier подключает получателя изменений статуса.
func (p *Processor) SetNotifier(n Notifier) {
	p.notifier = n
}

// SetClearAllowed подключает проверку, разрешена ли очистка DTC события.
func (p *Processor) SetClearAllowed(fn func(id config.EventID) bool) {
	p.clearAllowed = fn
}

// Lock захватывает блокировку DTC события и возвращает функцию ее снятия.
// Все изменения памяти и старения одного DTC выполняются под ней; методы
// Processor сами ее не берут, кроме обходов всех DTC (ClearAll,
// RestartOperationCycle) и вытеснения записи другого DTC.
func (p *Processor) Lock(id config.EventID) func() {
	dtc := p.comb.dtcID(id)
	if int(dtc) >= len(p.locks) {
		return func() {}
	}
	l := &p.locks[dtc]
	l.Lock()
	return l.Unlock
}

// tryLock берет блокировку DTC без ожидания. false, если DTC занят.
func (p *Processor) tryLock(id config.EventID) (func(), bool) {
	dtc := p.comb.dtcID(id)
	if int(dtc) >= len(p.locks) {
		return func() {}, true
	}
	l := &p.locks[dtc]
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// InternalStatus возвращает статус владельца записи памяти: общий статус
// группы для Type-1, иначе статус самого события.
func (p *Processor) InternalStatus(id config.EventID) status.UDS {
	if p.cfg.Features.Combination == config.CombinationType1 {
		return p.comb.internalStatus(id)
	}
	return p.events.Status(id)
}

// DTCStatus возвращает внешний статус DTC: для OBD CDTC и WIR видны только
// после квалификации, пользовательский WIR добавляется всегда.
func (p *Processor) DTCStatus(id config.EventID) status.UDS {
	if !p.cfg.IsValidEvent(id) {
		return 0
	}
	st := p.comb.internalStatus(id)
	members := p.comb.members(id)
	if p.cfg.IsObd() && p.cfg.Features.Combination != config.CombinationType2 {
		var qualified status.UDS
		for _, m := range members {
			qualified |= p.events.Qualified(m)
		}
		st = qualify(st, qualified)
	}
	for _, m := range members {
		if p.events.UserWIR(m) {
			st = st.Set(status.WIR)
			break
		}
	}
	return st
}

// SetUserIndicator включает или выключает управляемый пользователем WIR события.
func (p *Processor) SetUserIndicator(id config.EventID, on bool) {
	if !p.cfg.IsValidEvent(id) {
		diag.ReportInconsistentState("индикатор недопустимого события %d", id)
		return
	}
	dtc, oldExt := p.snapshot(id)
	p.events.SetUserWIR(id, on)
	p.notify(dtc, oldExt)
}

// IsDisconnected сообщает, отключены ли все события DTC.
func (p *Processor) IsDisconnected(id config.EventID) bool {
	return p.comb.disconnected(id)
}

// SetSuppressed подавляет DTC для внешних клиентов.
func (p *Processor) SetSuppressed(id config.EventID, on bool) {
	dtc := p.comb.dtcID(id)
	if int(dtc) < len(p.suppressed) {
		p.suppressed[dtc].Store(on)
	}
}

// IsSuppressed сообщает, подавлен ли DTC.
func (p *Processor) IsSuppressed(id config.EventID) bool {
	dtc := p.comb.dtcID(id)
	return int(dtc) < len(p.suppressed) && p.suppressed[dtc].Load()
}

// Refresh пересчитывает состояние групп после загрузки из NVRAM.
func (p *Processor) Refresh() {
	for _, id := range p.cfg.EventIDs() {
		p.comb.refresh(id)
	}
}

// snapshot - внешний статус DTC до изменения, для уведомления.
func (p *Processor) snapshot(id config.EventID) (config.EventID, status.UDS) {
	dtc := p.comb.dtcID(id)
	return dtc, p.DTCStatus(dtc)
}

func (p *Processor) notify(dtc config.EventID, old status.UDS) {
	next := p.DTCStatus(dtc)
	if old == next || p.notifier == nil || p.IsSuppressed(dtc) {
		return
	}
	p.notifier.DTCStatusChanged(dtc, old, next)
}
