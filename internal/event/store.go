// Package event хранит изменяемое состояние событий: байт статуса UDS,
// статус хранения, счетчик FDC и доступность.
//
// Каждое чтение-изменение-запись байта выполняется под коротким критическим
// разделом конкретного события (DiagMonitor); раздел никогда не удерживается
// во время вызова других компонентов.
package event

import (
	"sync"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// StoredStatus - состояние хранения события в памяти.
type StoredStatus uint8

const (
	StoredNone StoredStatus = iota
	StoredActive
	StoredAging
	StoredAged
)

func (s StoredStatus) String() string {
	switch s {
	case StoredActive:
		return "active"
	case StoredAging:
		return "aging"
	case StoredAged:
		return "aged"
	default:
		return "none"
	}
}

// Граничные значения счетчика обнаружения неисправности.
const (
	FdcFailed int8 = 127
	FdcPassed int8 = -128
)

type record struct {
	mu           sync.Mutex
	status       status.UDS
	stored       StoredStatus
	fdc          int8
	maxFdc       int8
	trip         uint8
	qualified    status.UDS
	userWIR      bool
	disconnected bool
}

// Store - состояние всех событий, индексированное по EventID.
type Store struct {
	cfg     *config.Config
	records []record
}

// NewStore создает хранилище; события с Unavailable стартуют отключенными.
func NewStore(cfg *config.Config) *Store {
	s := &Store{
		cfg:     cfg,
		records: make([]record, cfg.EventCount()),
	}
	for i := range s.records {
		s.records[i].status = status.Initial
	}
	for _, id := range cfg.EventIDs() {
		if cfg.Event(id).Unavailable {
			s.records[id].disconnected = true
			s.records[id].status = 0
		}
	}
	return s
}

func (s *Store) rec(id config.EventID) *record {
	if int(id) >= len(s.records) || id == config.EventInvalid {
		return nil
	}
	return &s.records[id]
}

// IsValid проверяет идентификатор события.
func (s *Store) IsValid(id config.EventID) bool {
	return s.cfg.IsValidEvent(id)
}

// Status возвращает внутренний байт статуса UDS.
func (s *Store) Status(id config.EventID) status.UDS {
	r := s.rec(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus перезаписывает байт статуса.
func (s *Store) SetStatus(id config.EventID, v status.UDS) {
	s.Update(id, func(status.UDS) status.UDS { return v })
}

// Update атомарно изменяет байт статуса и возвращает старое и новое значения.
func (s *Store) Update(id config.EventID, fn func(status.UDS) status.UDS) (status.UDS, status.UDS) {
	r := s.rec(id)
	if r == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.status
	r.status = fn(old)
	return old, r.status
}

// StoredStatus возвращает статус хранения.
func (s *Store) StoredStatus(id config.EventID) StoredStatus {
	r := s.rec(id)
	if r == nil {
		return StoredNone
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

// SetStoredStatus устанавливает статус хранения.
func (s *Store) SetStoredStatus(id config.EventID, v StoredStatus) {
	r := s.rec(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stored = v
	r.mu.Unlock()
}

// FDC возвращает текущий счетчик обнаружения неисправности.
func (s *Store) FDC(id config.EventID) int8 {
	r := s.rec(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fdc
}

// MaxFDC возвращает максимальный FDC с начала цикла.
func (s *Store) MaxFDC(id config.EventID) int8 {
	r := s.rec(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxFdc
}

// SetFDC устанавливает FDC и возвращает предыдущее значение.
func (s *Store) SetFDC(id config.EventID, fdc int8) int8 {
	r := s.rec(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.fdc
	r.fdc = fdc
	if fdc > r.maxFdc {
		r.maxFdc = fdc
	}
	return old
}

// ApplyFailed отражает квалифицированный отказ. Подтверждение (CDTC) наступает,
// когда число циклов с отказом достигает порога подтверждения события.
func (s *Store) ApplyFailed(id config.EventID) (status.UDS, status.UDS) {
	r := s.rec(id)
	ev := s.cfg.Event(id)
	if r == nil || ev == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.status
	next := old.Set(status.TF | status.TFTOC | status.TFSLC | status.PDTC).Reset(status.TNCTOC | status.TNCSLC)
	if !old.Has(status.TFTOC) && r.trip < 0xFF {
		r.trip++
	}
	if r.trip >= ev.ConfirmationThreshold {
		next = next.Set(status.CDTC)
		if ev.Indicator {
			next = next.Set(status.WIR)
		}
	}
	r.status = next
	r.fdc = FdcFailed
	r.maxFdc = FdcFailed
	return old, next
}

// ApplyPassed отражает квалифицированное прохождение теста.
func (s *Store) ApplyPassed(id config.EventID) (status.UDS, status.UDS) {
	r := s.rec(id)
	if r == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.status
	r.status = old.Reset(status.TF | status.TNCTOC | status.TNCSLC)
	r.fdc = FdcPassed
	return old, r.status
}

// RestartCycle переводит событие в новый рабочий цикл. Событие, прошедшее тест
// без отказов в завершенном цикле, теряет PDTC и запрос индикатора.
func (s *Store) RestartCycle(id config.EventID) (status.UDS, status.UDS) {
	r := s.rec(id)
	if r == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.status
	if r.disconnected {
		return old, old
	}
	next := old
	if !old.Any(status.TFTOC | status.TNCTOC) {
		next = next.Reset(status.PDTC | status.WIR)
		if !old.Has(status.CDTC) {
			r.trip = 0
		}
	}
	next = next.Reset(status.TFTOC).Set(status.TNCTOC)
	r.status = next
	r.maxFdc = 0
	return old, next
}

// Reset возвращает событие в состояние после очистки.
func (s *Store) Reset(id config.EventID) (status.UDS, status.UDS) {
	r := s.rec(id)
	if r == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.status
	if r.disconnected {
		r.status = 0
	} else {
		r.status = status.Initial
	}
	r.trip = 0
	r.fdc = 0
	r.maxFdc = 0
	r.qualified = 0
	return old, r.status
}

// TripCount возвращает число циклов с отказом до подтверждения.
func (s *Store) TripCount(id config.EventID) uint8 {
	r := s.rec(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trip
}

// Qualified возвращает квалифицированные (DCY) биты статуса.
func (s *Store) Qualified(id config.EventID) status.UDS {
	r := s.rec(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qualified
}

// Qualify устанавливает квалифицированные биты.
func (s *Store) Qualify(id config.EventID, mask status.UDS) {
	r := s.rec(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.qualified |= mask
	r.mu.Unlock()
}

// Unqualify сбрасывает квалифицированные биты.
func (s *Store) Unqualify(id config.EventID, mask status.UDS) {
	r := s.rec(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.qualified &^= mask
	r.mu.Unlock()
}

// UserWIR возвращает управляемый пользователем бит индикатора.
func (s *Store) UserWIR(id config.EventID) bool {
	r := s.rec(id)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userWIR
}

// SetUserWIR устанавливает управляемый пользователем бит индикатора.
func (s *Store) SetUserWIR(id config.EventID, on bool) {
	r := s.rec(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.userWIR = on
	r.mu.Unlock()
}

// IsAvailable сообщает, подключено ли событие во время выполнения.
func (s *Store) IsAvailable(id config.EventID) bool {
	r := s.rec(id)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disconnected
}

// Disconnect отключает событие: статус обнуляется, состояние отладки сбрасывается.
// Возвращает false, если событие уже было отключено.
func (s *Store) Disconnect(id config.EventID) bool {
	r := s.rec(id)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected {
		return false
	}
	r.disconnected = true
	r.status = 0
	r.fdc = 0
	r.maxFdc = 0
	r.trip = 0
	return true
}

// Reconnect подключает событие обратно со статусом "тест не завершен".
func (s *Store) Reconnect(id config.EventID) bool {
	r := s.rec(id)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.disconnected {
		return false
	}
	r.disconnected = false
	r.status = status.Initial
	return true
}

// ResetDebounce сбрасывает состояние отладки (FDC) без изменения статуса.
func (s *Store) ResetDebounce(id config.EventID) {
	r := s.rec(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.fdc = 0
	r.maxFdc = 0
	r.mu.Unlock()
}

// Snapshot сериализует сохраняемую часть состояния: статус, статус хранения, счетчик циклов.
func (s *Store) Snapshot() []byte {
	out := make([]byte, 0, len(s.records)*3)
	for i := range s.records {
		r := &s.records[i]
		r.mu.Lock()
		out = append(out, byte(r.status), byte(r.stored), r.trip)
		r.mu.Unlock()
	}
	return out
}

// Restore загружает состояние из NVRAM. Отключенные события сохраняют нулевой статус.
func (s *Store) Restore(data []byte) {
	for i := range s.records {
		off := i * 3
		if off+3 > len(data) {
			return
		}
		r := &s.records[i]
		r.mu.Lock()
		if !r.disconnected {
			r.status = status.UDS(data[off])
		}
		r.stored = StoredStatus(data[off+1])
		r.trip = data[off+2]
		r.mu.Unlock()
	}
}
