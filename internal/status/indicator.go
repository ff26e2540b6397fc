package status

import (
	"sync"

	"github.com/serebryakov7/j1708-dem/internal/config"
)

// SI30 - вспомогательный байт статуса события (история симптомов, индикатора и старения).
type SI30 uint8

const (
	SI30UDTC    SI30 = 0x01 // unconfirmedDTC
	SI30UDTCTOC SI30 = 0x02 // unconfirmedDTCThisOperationCycle
	SI30UDTCSLC SI30 = 0x04 // unconfirmedDTCSinceLastClear
	SI30ADTC    SI30 = 0x08 // agedDTC
	SI30SSLC    SI30 = 0x10 // symptomSinceLastClear
	SI30WIRSLC  SI30 = 0x20 // warningIndicatorRequestedSinceLastClear
	SI30ER      SI30 = 0x40 // emissionRelatedDTC
	SI30TFSLC   SI30 = 0x80 // testFailedSinceLastClear
)

// Has проверяет, что все биты mask установлены.
func (s SI30) Has(mask SI30) bool {
	return s&mask == mask
}

// Indicators - сохраняемый массив байтов SI30, индексированный по EventID.
type Indicators struct {
	mu     sync.Mutex
	values []SI30
}

// NewIndicators создает массив на count событий.
func NewIndicators(count int) *Indicators {
	return &Indicators{values: make([]SI30, count)}
}

// Get возвращает байт SI30 события. Для недопустимого id возвращает 0.
func (in *Indicators) Get(id config.EventID) SI30 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if int(id) >= len(in.values) {
		return 0
	}
	return in.values[id]
}

// SetBits устанавливает биты и сообщает, изменился ли байт.
func (in *Indicators) SetBits(id config.EventID, mask SI30) bool {
	return in.update(id, func(s SI30) SI30 { return s | mask })
}

// ResetBits сбрасывает биты и сообщает, изменился ли байт.
func (in *Indicators) ResetBits(id config.EventID, mask SI30) bool {
	return in.update(id, func(s SI30) SI30 { return s &^ mask })
}

// Reset обнуляет байт события (при очистке DTC).
func (in *Indicators) Reset(id config.EventID) bool {
	return in.update(id, func(SI30) SI30 { return 0 })
}

// ResetCycleBits сбрасывает биты, действующие в пределах одного цикла, у всех событий.
func (in *Indicators) ResetCycleBits() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.values {
		in.values[i] &^= SI30UDTCTOC
	}
}

// ApplyFailed отражает в SI30 новый отказ события.
func (in *Indicators) ApplyFailed(id config.EventID, confirmed, indicator, emission bool) bool {
	return in.update(id, func(s SI30) SI30 {
		s |= SI30TFSLC | SI30SSLC
		if confirmed {
			s &^= SI30UDTC | SI30UDTCTOC
		} else {
			s |= SI30UDTC | SI30UDTCTOC | SI30UDTCSLC
		}
		if indicator {
			s |= SI30WIRSLC
		}
		if emission {
			s |= SI30ER
		}
		return s
	})
}

// Snapshot возвращает копию массива для сохранения в NVRAM.
func (in *Indicators) Snapshot() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]byte, len(in.values))
	for i, v := range in.values {
		out[i] = byte(v)
	}
	return out
}

// Restore загружает массив из NVRAM; лишние байты игнорируются.
func (in *Indicators) Restore(data []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.values {
		if i < len(data) {
			in.values[i] = SI30(data[i])
		} else {
			in.values[i] = 0
		}
	}
}

func (in *Indicators) update(id config.EventID, fn func(SI30) SI30) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if int(id) >= len(in.values) {
		return false
	}
	old := in.values[id]
	in.values[id] = fn(old)
	return in.values[id] != old
}
