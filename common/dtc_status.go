package common

// DTCStatusChange - уведомление об изменении внешнего статуса DTC, публикуемое в MQTT.
type DTCStatusChange struct {
	ID        string `json:"id"`                // uuid сообщения
	EventID   uint16 `json:"event_id"`          // событие-владелец DTC
	Name      string `json:"name,omitempty"`    // имя события из конфигурации
	UdsDTC    uint32 `json:"uds_dtc,omitempty"` // код DTC UDS
	SPN       int    `json:"spn,omitempty"`     // J1939, если задан
	FMI       int    `json:"fmi,omitempty"`     // Failure Mode Identifier
	OldStatus uint8  `json:"old_status"`        // байт статуса UDS до изменения
	NewStatus uint8  `json:"new_status"`        // байт статуса UDS после изменения
	Timestamp int64  `json:"timestamp"`         // Время изменения (Unix Nano)
}

// Confirmed сообщает, подтвержден ли DTC после изменения (бит 3 статуса UDS).
func (c DTCStatusChange) Confirmed() bool {
	return c.NewStatus&0x08 != 0
}
