package dtc

import (
	"sync"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/event"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// combiner объединяет статусы подсобытий в статус DTC. Реализация выбирается
// один раз по конфигурации.
type combiner interface {
	// members возвращает все события DTC, к которому относится id.
	members(id config.EventID) []config.EventID
	// dtcID возвращает событие, представляющее DTC (первое событие группы).
	dtcID(id config.EventID) config.EventID
	// internalStatus возвращает внутренний статус DTC.
	internalStatus(id config.EventID) status.UDS
	// refresh пересчитывает состояние группы после изменения подсобытия.
	refresh(id config.EventID)
	// disconnected сообщает, отключены ли все события DTC.
	disconnected(id config.EventID) bool
}

func newCombiner(cfg *config.Config, events *event.Store) combiner {
	switch cfg.Features.Combination {
	case config.CombinationType1:
		return &type1Combiner{groupTable: newGroupTable(cfg, events)}
	case config.CombinationType2:
		return &type2Combiner{groupTable: newGroupTable(cfg, events)}
	default:
		return singleCombiner{events: events}
	}
}

// singleCombiner - без комбинации: DTC совпадает с событием.
type singleCombiner struct {
	events *event.Store
}

func (c singleCombiner) members(id config.EventID) []config.EventID {
	return []config.EventID{id}
}

func (c singleCombiner) dtcID(id config.EventID) config.EventID {
	return id
}

func (c singleCombiner) internalStatus(id config.EventID) status.UDS {
	return c.events.Status(id)
}

func (c singleCombiner) refresh(config.EventID) {}

func (c singleCombiner) disconnected(id config.EventID) bool {
	return !c.events.IsAvailable(id)
}

type groupState struct {
	mu           sync.Mutex
	status       status.UDS
	disconnected bool
}

// groupTable - общее для Type-1 и Type-2 состояние комбинированных групп.
type groupTable struct {
	cfg    *config.Config
	events *event.Store
	groups []groupState
}

func newGroupTable(cfg *config.Config, events *event.Store) groupTable {
	t := groupTable{cfg: cfg, events: events, groups: make([]groupState, len(cfg.CombinedGroups))}
	for i := range cfg.CombinedGroups {
		t.refreshGroup(i)
	}
	return t
}

func (t *groupTable) members(id config.EventID) []config.EventID {
	if g := t.cfg.Group(id); g != nil {
		return g.Events
	}
	return []config.EventID{id}
}

func (t *groupTable) dtcID(id config.EventID) config.EventID {
	if g := t.cfg.Group(id); g != nil {
		return g.Events[0]
	}
	return id
}

// aggregate объединяет статусы подключенных подсобытий по ИЛИ.
func (t *groupTable) aggregate(gi int, read func(config.EventID) status.UDS) (status.UDS, bool) {
	var st status.UDS
	disconnected := true
	for _, m := range t.cfg.CombinedGroups[gi].Events {
		if !t.events.IsAvailable(m) {
			continue
		}
		disconnected = false
		st |= read(m)
	}
	return status.ApplyCombinedStatus(st), disconnected
}

func (t *groupTable) refreshGroup(gi int) {
	st, disconnected := t.aggregate(gi, t.events.Status)
	g := &t.groups[gi]
	g.mu.Lock()
	g.status = st
	g.disconnected = disconnected
	g.mu.Unlock()
}

func (t *groupTable) refresh(id config.EventID) {
	if ev := t.cfg.Event(id); ev != nil && ev.Group >= 0 {
		t.refreshGroup(ev.Group)
	}
}

func (t *groupTable) disconnected(id config.EventID) bool {
	ev := t.cfg.Event(id)
	if ev == nil || ev.Group < 0 {
		return !t.events.IsAvailable(id)
	}
	g := &t.groups[ev.Group]
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disconnected
}

// type1Combiner - объединение при сохранении: группа хранит общий статус.
type type1Combiner struct {
	groupTable
}

func (c *type1Combiner) internalStatus(id config.EventID) status.UDS {
	ev := c.cfg.Event(id)
	if ev == nil || ev.Group < 0 {
		return c.events.Status(id)
	}
	g := &c.groups[ev.Group]
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// type2Combiner - объединение при чтении: статус собирается заново при каждом
// запросе с учетом квалификации подсобытий.
type type2Combiner struct {
	groupTable
}

func (c *type2Combiner) internalStatus(id config.EventID) status.UDS {
	ev := c.cfg.Event(id)
	if ev == nil || ev.Group < 0 {
		return c.events.Status(id)
	}
	st, _ := c.aggregate(ev.Group, c.qualifiedStatus)
	return st
}

func (c *type2Combiner) qualifiedStatus(id config.EventID) status.UDS {
	st := c.events.Status(id)
	if c.cfg.IsObd() {
		st = qualify(st, c.events.Qualified(id))
	}
	return st
}

// qualify оставляет CDTC и WIR только если они квалифицированы циклом вождения.
func qualify(st, qualified status.UDS) status.UDS {
	const mask = status.CDTC | status.WIR
	return st.Reset(mask) | (st & qualified & mask)
}
