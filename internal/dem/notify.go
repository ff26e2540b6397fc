package dem

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/common"
	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

// DTCStatusChanged реализует dtc.Notifier: изменение ставится в канал
// уведомлений без блокировки, при переполнении отбрасывается.
func (m *Manager) DTCStatusChanged(id config.EventID, old, next status.UDS) {
	change := common.DTCStatusChange{
		ID:        uuid.NewString(),
		EventID:   uint16(id),
		OldStatus: uint8(old),
		NewStatus: uint8(next),
		Timestamp: time.Now().UnixNano(),
	}
	if ev := m.cfg.Event(id); ev != nil {
		change.Name = ev.Name
		change.UdsDTC = ev.UdsDtc
		if ev.J1939 != nil {
			change.SPN = int(ev.J1939.SPN)
			change.FMI = int(ev.J1939.FMI)
		}
	}

	select {
	case m.notifications <- change:
		log.Debug().
			Uint16("dtc", uint16(id)).
			Uint8("old", uint8(old)).
			Uint8("new", uint8(next)).
			Msg("Статус DTC изменен")
	default:
		m.dropped.Add(1)
		log.Warn().Uint16("dtc", uint16(id)).Msg("Канал уведомлений DTC переполнен, уведомление отброшено")
	}
}

// Notifications возвращает канал изменений статуса DTC.
func (m *Manager) Notifications() <-chan common.DTCStatusChange {
	return m.notifications
}

// DroppedNotifications возвращает число отброшенных уведомлений.
func (m *Manager) DroppedNotifications() uint64 {
	return m.dropped.Load()
}
