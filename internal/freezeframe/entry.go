// Package freezeframe хранит слоты OBD freeze frame и политику их выбора.
package freezeframe

import (
	"encoding/binary"
	"fmt"

	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/diag"
)

// SlotInvalid - слот не найден или не может быть выделен.
const SlotInvalid = -1

// Slot - один слот freeze frame. EventInvalid означает свободный слот.
type Slot struct {
	EventID   config.EventID
	Timestamp uint32
	Visible   bool
	Data      []byte
	DataF0    []byte // второй буфер OBD-on-UDS (DID 0xF4xx), пуст для OBD II
}

// Entries - массив слотов фиксированного размера с прямыми аксессорами.
type Entries struct {
	slots []Slot
	size  int
	dual  bool
}

// NewEntries создает count слотов по size байт; dual добавляет буфер 0xF0.
func NewEntries(count, size int, dual bool) *Entries {
	e := &Entries{slots: make([]Slot, count), size: size, dual: dual}
	for i := range e.slots {
		e.slots[i].Data = make([]byte, size)
		if dual {
			e.slots[i].DataF0 = make([]byte, size)
		}
	}
	return e
}

// Count возвращает число слотов.
func (e *Entries) Count() int {
	return len(e.slots)
}

func (e *Entries) valid(i int) bool {
	return diag.RuntimeCheck(i >= 0 && i < len(e.slots), "индекс слота freeze frame вне диапазона") &&
		i >= 0 && i < len(e.slots)
}

// EventID возвращает событие слота.
func (e *Entries) EventID(i int) config.EventID {
	if !e.valid(i) {
		return config.EventInvalid
	}
	return e.slots[i].EventID
}

// SetEventID назначает слот событию.
func (e *Entries) SetEventID(i int, id config.EventID) {
	if e.valid(i) {
		e.slots[i].EventID = id
	}
}

// Timestamp возвращает хронологическую метку слота.
func (e *Entries) Timestamp(i int) uint32 {
	if !e.valid(i) {
		return 0
	}
	return e.slots[i].Timestamp
}

// SetTimestamp устанавливает хронологическую метку слота.
func (e *Entries) SetTimestamp(i int, ts uint32) {
	if e.valid(i) {
		e.slots[i].Timestamp = ts
	}
}

// IsVisible сообщает, виден ли слот в Mode 02.
func (e *Entries) IsVisible(i int) bool {
	return e.valid(i) && e.slots[i].Visible
}

// SetVisible меняет видимость слота.
func (e *Entries) SetVisible(i int, visible bool) {
	if e.valid(i) {
		e.slots[i].Visible = visible
	}
}

// Buffer возвращает буфер данных слота.
func (e *Entries) Buffer(i int) []byte {
	if !e.valid(i) {
		return nil
	}
	return e.slots[i].Data
}

// BufferF0 возвращает второй буфер OBD-on-UDS или nil.
func (e *Entries) BufferF0(i int) []byte {
	if !e.valid(i) || !e.dual {
		return nil
	}
	return e.slots[i].DataF0
}

// Free освобождает слот и обнуляет его буферы.
func (e *Entries) Free(i int) {
	if !e.valid(i) {
		return
	}
	s := &e.slots[i]
	s.EventID = config.EventInvalid
	s.Timestamp = 0
	s.Visible = false
	clear(s.Data)
	clear(s.DataF0)
}

// Snapshot сериализует все слоты: id(2) timestamp(4) visible(1) data [dataF0].
func (e *Entries) Snapshot() []byte {
	rec := 7 + e.size
	if e.dual {
		rec += e.size
	}
	out := make([]byte, 0, rec*len(e.slots))
	for _, s := range e.slots {
		var hdr [7]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(s.EventID))
		binary.BigEndian.PutUint32(hdr[2:6], s.Timestamp)
		if s.Visible {
			hdr[6] = 1
		}
		out = append(out, hdr[:]...)
		out = append(out, s.Data...)
		if e.dual {
			out = append(out, s.DataF0...)
		}
	}
	return out
}

// Restore загружает слоты из NVRAM.
func (e *Entries) Restore(data []byte) error {
	rec := 7 + e.size
	if e.dual {
		rec += e.size
	}
	if len(data) != rec*len(e.slots) {
		return fmt.Errorf("блок freeze frame: ожидалось %d байт, получено %d", rec*len(e.slots), len(data))
	}
	for i := range e.slots {
		r := data[i*rec : (i+1)*rec]
		s := &e.slots[i]
		s.EventID = config.EventID(binary.BigEndian.Uint16(r[0:2]))
		s.Timestamp = binary.BigEndian.Uint32(r[2:6])
		s.Visible = r[6] == 1
		copy(s.Data, r[7:7+e.size])
		if e.dual {
			copy(s.DataF0, r[7+e.size:])
		}
	}
	return nil
}
