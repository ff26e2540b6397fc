// Package status содержит битовые операции над байтом статуса UDS и
// вспомогательным байтом SI30. Все функции тотальны над байтом фиксированной ширины.
package status

// UDS - байт статуса DTC по ISO 14229.
type UDS uint8

const (
	TF     UDS = 0x01 // testFailed
	TFTOC  UDS = 0x02 // testFailedThisOperationCycle
	PDTC   UDS = 0x04 // pendingDTC
	CDTC   UDS = 0x08 // confirmedDTC
	TNCSLC UDS = 0x10 // testNotCompletedSinceLastClear
	TFSLC  UDS = 0x20 // testFailedSinceLastClear
	TNCTOC UDS = 0x40 // testNotCompletedThisOperationCycle
	WIR    UDS = 0x80 // warningIndicatorRequested
)

// Initial - статус после очистки: ни один тест еще не завершен.
const Initial = TNCSLC | TNCTOC

// Has проверяет, что все биты mask установлены.
func (s UDS) Has(mask UDS) bool {
	return s&mask == mask
}

// Any проверяет, что установлен хотя бы один бит mask.
func (s UDS) Any(mask UDS) bool {
	return s&mask != 0
}

// Set возвращает статус с установленными битами mask.
func (s UDS) Set(mask UDS) UDS {
	return s | mask
}

// Reset возвращает статус со сброшенными битами mask.
func (s UDS) Reset(mask UDS) UDS {
	return s &^ mask
}

// ApplyCombinedStatus убирает противоречия после объединения статусов подсобытий:
// тест не может быть "не завершен", если уже известно, что он провален.
func ApplyCombinedStatus(s UDS) UDS {
	if s.Has(TFSLC) {
		s = s.Reset(TNCSLC)
	}
	if s.Has(TFTOC) {
		s = s.Reset(TNCTOC)
	}
	return s
}

// Transitions возвращает биты, перешедшие из 0 в 1 между old и next.
func Transitions(old, next UDS) UDS {
	return ^old & next
}

// Cleared возвращает биты, перешедшие из 1 в 0 между old и next.
func Cleared(old, next UDS) UDS {
	return old &^ next
}
