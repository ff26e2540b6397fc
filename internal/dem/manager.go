// Package dem собирает ядро памяти неисправностей в один фасад: события,
// записи памяти, старение, вытеснение, уровень DTC, OBD freeze frame и NVRAM.
//
// Manager можно вызывать из нескольких горутин: изменения одного DTC
// сериализуются его блокировкой (dtc.Processor.Lock), глобальной блокировки
// нет. Чтение статусов блокировку не берет.
package dem

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/common"
	"github.com/serebryakov7/j1708-dem/internal/aging"
	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
	"github.com/serebryakov7/j1708-dem/internal/displacement"
	"github.com/serebryakov7/j1708-dem/internal/dtc"
	"github.com/serebryakov7/j1708-dem/internal/event"
	"github.com/serebryakov7/j1708-dem/internal/faultmemory"
	"github.com/serebryakov7/j1708-dem/internal/freezeframe"
	"github.com/serebryakov7/j1708-dem/internal/opcycle"
	"github.com/serebryakov7/j1708-dem/internal/status"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

const defaultNotificationBuffer = 100

// Options - необязательные зависимости Manager.
type Options struct {
	// NvM сохраняет образ памяти. Без него состояние живет только в RAM.
	NvM *storage.NvM
	// Collector заполняет OBD freeze frame текущими данными шины.
	Collector freezeframe.DataCollector
	// ClearAllowed запрещает очистку отдельных событий.
	ClearAllowed func(id config.EventID) bool
	// NotificationBuffer - емкость канала уведомлений (по умолчанию 100).
	NotificationBuffer int
}

// Manager - фасад памяти неисправностей.
type Manager struct {
	cfg        *config.Config
	nv         *storage.NvM
	cycles     *opcycle.Counter
	events     *event.Store
	indicators *status.Indicators
	mem        *faultmemory.Store
	ff         *freezeframe.Memory
	aging      *aging.Engine
	proc       *dtc.Processor

	notifications chan common.DTCStatusChange
	dropped       atomic.Uint64
}

// New собирает ядро по конфигурации. Перед работой с сохраненным образом
// нужно вызвать Restore.
func New(cfg *config.Config, opts Options) *Manager {
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = defaultNotificationBuffer
	}
	m := &Manager{
		cfg:           cfg,
		nv:            opts.NvM,
		cycles:        opcycle.NewCounter(0),
		events:        event.NewStore(cfg),
		indicators:    status.NewIndicators(cfg.EventCount()),
		notifications: make(chan common.DTCStatusChange, opts.NotificationBuffer),
	}

	var nv faultmemory.NvM
	var ffNv freezeframe.NvM
	if opts.NvM != nil {
		nv = opts.NvM
		ffNv = opts.NvM
	}
	m.mem = faultmemory.NewStore(cfg, nv)

	var ffc aging.FreezeFrameClearer
	if cfg.IsObd() {
		m.ff = freezeframe.NewMemory(cfg, m.events, opts.Collector, ffNv)
		ffc = m.ff
	}
	m.aging = aging.NewEngine(cfg, m.mem, m.events, m.cycles, ffc)
	selector := displacement.NewSelector(cfg, m.mem, m.events)
	m.proc = dtc.NewProcessor(cfg, m.mem, m.events, m.indicators, m.aging, selector, m.ff)
	m.proc.SetNotifier(m)
	if opts.ClearAllowed != nil {
		m.proc.SetClearAllowed(opts.ClearAllowed)
	}

	log.Info().
		Int("events", len(cfg.Events)).
		Int("entries", cfg.EntryCount()).
		Str("combination", string(cfg.Features.Combination)).
		Str("obd", string(cfg.Features.Obd)).
		Bool("nvm", opts.NvM != nil).
		Msg("Ядро памяти неисправностей создано")
	return m
}

// Config возвращает конфигурацию ядра.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// markState помечает байты статуса и индикаторов для сохранения.
func (m *Manager) markState(immediate bool) {
	m.mem.MarkDirty(storage.BlockStatus, immediate)
	m.mem.MarkDirty(storage.BlockIndicator, immediate)
}

// ReportFailed сообщает квалифицированный отказ события.
func (m *Manager) ReportFailed(id config.EventID) {
	defer m.proc.Lock(id)()
	m.reportFailed(id)
}

func (m *Manager) reportFailed(id config.EventID) {
	m.proc.ProcessFailed(id)
	m.markState(true)
}

// ReportPassed сообщает квалифицированное прохождение теста.
func (m *Manager) ReportPassed(id config.EventID) {
	defer m.proc.Lock(id)()
	m.reportPassed(id)
}

func (m *Manager) reportPassed(id config.EventID) {
	m.proc.ProcessPassed(id)
	m.markState(false)
}

// ReportFdc сообщает текущий счетчик обнаружения неисправности.
// Достижение порогового FDC создает или обновляет запись, граничные
// значения квалифицируют отказ или прохождение.
func (m *Manager) ReportFdc(id config.EventID, fdc int8) {
	ev := m.cfg.Event(id)
	if ev == nil {
		diag.ReportInconsistentState("FDC недопустимого события %d", id)
		return
	}
	defer m.proc.Lock(id)()
	switch {
	case fdc == event.FdcFailed:
		m.reportFailed(id)
		return
	case fdc == event.FdcPassed:
		m.reportPassed(id)
		return
	}
	old := m.events.SetFDC(id, fdc)
	if ev.FdcThreshold > 0 && old < ev.FdcThreshold && fdc >= ev.FdcThreshold {
		m.proc.FdcTrip(id)
		m.markState(false)
	}
}

// GetFDC возвращает FDC события или наибольший FDC его группы.
func (m *Manager) GetFDC(id config.EventID) (int8, bool) {
	return m.proc.GetFDC(id)
}

// OperationCycleStart отмечает начало рабочего цикла.
func (m *Manager) OperationCycleStart() {
	if !m.cycles.Start() {
		log.Debug().Msg("Рабочий цикл уже запущен")
	}
}

// OperationCycleEnd завершает рабочий цикл: увеличивает номер цикла
// старения, продолжает и начинает старение, затем перезапускает биты цикла.
func (m *Manager) OperationCycleEnd() {
	if !m.cycles.Stop() {
		log.Debug().Msg("Рабочий цикл завершается без явного начала")
	}
	cycle := m.cycles.IncrementAgingCycle()

	owners := m.owners()
	for _, id := range owners {
		unlock := m.proc.Lock(id)
		m.aging.ProcessAgingCycleEnd(id)
		unlock()
	}
	for _, id := range owners {
		unlock := m.proc.Lock(id)
		m.aging.ProcessStartOnOpCycleEnd(id)
		unlock()
	}
	m.proc.RestartOperationCycle()

	m.mem.MarkDirty(storage.BlockAdmin, true)
	m.markState(true)
	log.Info().Uint16("aging_cycle", cycle).Uint16("confirmed", m.mem.ConfirmedCount()).Msg("Рабочий цикл завершен")
}

// owners - события, которым могут принадлежать записи памяти.
func (m *Manager) owners() []config.EventID {
	ids := m.cfg.EventIDs()
	out := ids[:0]
	for _, id := range ids {
		if m.cfg.MasterEvent(id) == id {
			out = append(out, id)
		}
	}
	return out
}

// SetEngineRuntime обновляет наработку двигателя для таймера старения WWH-OBD.
func (m *Manager) SetEngineRuntime(minutes uint32) {
	m.cycles.SetEngineRuntimeMinutes(minutes)
	m.mem.MarkDirty(storage.BlockAdmin, false)
}

// ClearDTC очищает DTC события. Возвращает false, если очистка не выполнена.
func (m *Manager) ClearDTC(id config.EventID) bool {
	defer m.proc.Lock(id)()
	ok := m.proc.Cleared(id)
	if ok {
		m.markState(true)
	}
	return ok
}

// ClearAll очищает все DTC и возвращает число очищенных.
func (m *Manager) ClearAll() int {
	n := m.proc.ClearAll()
	m.markState(true)
	log.Info().Int("dtcs", n).Msg("Все DTC очищены")
	return n
}

// Disconnect отключает событие во время выполнения.
func (m *Manager) Disconnect(id config.EventID) bool {
	defer m.proc.Lock(id)()
	ok := m.proc.Disconnect(id)
	if ok {
		m.markState(false)
	}
	return ok
}

// Reconnect подключает событие обратно.
func (m *Manager) Reconnect(id config.EventID) bool {
	defer m.proc.Lock(id)()
	ok := m.proc.Reconnect(id)
	if ok {
		m.markState(false)
	}
	return ok
}

// DTCDisconnected сообщает, отключены ли все события DTC.
func (m *Manager) DTCDisconnected(id config.EventID) bool {
	return m.proc.IsDisconnected(id)
}

// SetSuppressed подавляет уведомления и отчеты по DTC события.
func (m *Manager) SetSuppressed(id config.EventID, on bool) {
	m.proc.SetSuppressed(id, on)
}

// SetUserIndicator включает или выключает WIR события по запросу пользователя.
func (m *Manager) SetUserIndicator(id config.EventID, on bool) {
	defer m.proc.Lock(id)()
	m.proc.SetUserIndicator(id, on)
	m.markState(false)
}

// LockReadout защищает запись события от вытеснения, пока внешний клиент
// читает память. Возвращает false, если записи нет.
func (m *Manager) LockReadout(id config.EventID) bool {
	idx := m.mem.FindEventEntry(m.cfg.MasterEvent(id))
	if idx == faultmemory.EntryIndexInvalid {
		return false
	}
	m.mem.LockForReadout(idx)
	return true
}

// UnlockReadout снимает защиту записи события.
func (m *Manager) UnlockReadout(id config.EventID) bool {
	idx := m.mem.FindEventEntry(m.cfg.MasterEvent(id))
	if idx == faultmemory.EntryIndexInvalid {
		return false
	}
	m.mem.UnlockReadout(idx)
	return true
}

// DTCReport - сведения о DTC для внешнего чтения.
type DTCReport struct {
	Status     status.UDS
	FDC        int8
	MaxFDC     int8
	Aging      aging.Status
	Stored     bool
	Occurrence uint8
}

// ReadDTC читает DTC события. Запись защищена от вытеснения на время чтения.
func (m *Manager) ReadDTC(id config.EventID) (DTCReport, bool) {
	if !m.cfg.IsValidEvent(id) {
		return DTCReport{}, false
	}
	owner := m.cfg.MasterEvent(id)
	idx := m.mem.FindEventEntry(owner)
	if idx != faultmemory.EntryIndexInvalid && !m.mem.IsLockedForReadout(idx) {
		m.mem.LockForReadout(idx)
		defer m.mem.UnlockReadout(idx)
	}

	r := DTCReport{
		Status: m.proc.DTCStatus(id),
		MaxFDC: m.events.MaxFDC(id),
		Aging:  m.aging.GetAgingStatus(owner, idx),
	}
	r.FDC, _ = m.proc.GetFDC(id)
	if e, ok := m.mem.Snapshot(idx); ok && e.EventID == owner {
		r.Stored = true
		r.Occurrence = e.OccurrenceCounter
	}
	return r, true
}

// MainFunction выполняет периодическую работу: таймер старения WWH-OBD и
// запись срочных блоков NVRAM.
func (m *Manager) MainFunction(ctx context.Context) error {
	m.aging.ProcessAgingTimer()
	if m.nv == nil {
		return nil
	}
	_, err := m.nv.Flush(ctx, m, true)
	return err
}

// Flush записывает все помеченные блоки NVRAM.
func (m *Manager) Flush(ctx context.Context) error {
	if m.nv == nil {
		return nil
	}
	_, err := m.nv.Flush(ctx, m, false)
	return err
}

// DTCStatus возвращает внешний статус DTC события.
func (m *Manager) DTCStatus(id config.EventID) (status.UDS, bool) {
	if !m.cfg.IsValidEvent(id) {
		return 0, false
	}
	return m.proc.DTCStatus(id), true
}

// EventStatus возвращает байт статуса самого события.
func (m *Manager) EventStatus(id config.EventID) status.UDS {
	return m.events.Status(id)
}

// Indicator возвращает статус-индикатор SI30 события.
func (m *Manager) Indicator(id config.EventID) status.SI30 {
	return m.indicators.Get(id)
}

// AgingStatus возвращает состояние старения события.
func (m *Manager) AgingStatus(id config.EventID) aging.Status {
	return m.aging.StatusOf(m.cfg.MasterEvent(id))
}

// Entries возвращает снимок занятых записей памяти.
func (m *Manager) Entries() []faultmemory.EntryInfo {
	return m.mem.Entries()
}

// ConfirmedCount возвращает число подтвержденных DTC.
func (m *Manager) ConfirmedCount() uint16 {
	return m.mem.ConfirmedCount()
}

// FreezeFrame возвращает данные OBD freeze frame события.
func (m *Manager) FreezeFrame(id config.EventID) ([]byte, bool) {
	if m.ff == nil {
		return nil, false
	}
	return m.ff.Data(id)
}

// Mode02Event возвращает событие, чей freeze frame отдается в OBD Mode 02.
func (m *Manager) Mode02Event() config.EventID {
	if m.ff == nil {
		return config.EventInvalid
	}
	return m.ff.Mode02Event()
}
