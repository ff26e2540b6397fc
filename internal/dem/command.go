package dem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/common"
	"github.com/serebryakov7/j1708-dem/internal/config"
)

// HandleCommand выполняет команду сервера. Событие выбирается по event_id,
// затем по паре SPN/FMI; clear_dtcs без адреса очищает все DTC.
func (m *Manager) HandleCommand(cmd common.ServerCommand) (string, error) {
	id, addressed, err := m.commandTarget(cmd.Params)
	if err != nil {
		return "", err
	}
	switch cmd.Type {
	case common.CommandTypeClearDTCs:
		if !addressed {
			return fmt.Sprintf("очищено DTC: %d", m.ClearAll()), nil
		}
		if !m.ClearDTC(id) {
			return "", fmt.Errorf("очистка DTC события %d не выполнена", id)
		}
		return fmt.Sprintf("DTC события %d очищен", id), nil
	case common.CommandTypeDisconnect, common.CommandTypeReconnect:
		if !addressed {
			return "", errors.New("не указано событие")
		}
		op, verb := m.Disconnect, "отключено"
		if cmd.Type == common.CommandTypeReconnect {
			op, verb = m.Reconnect, "подключено"
		}
		if !op(id) {
			return "", fmt.Errorf("событие %d не изменено", id)
		}
		return fmt.Sprintf("событие %d %s, DTC отключен: %t", id, verb, m.DTCDisconnected(id)), nil
	}

	if !addressed {
		return "", errors.New("не указано событие")
	}
	switch cmd.Type {
	case common.CommandTypeReadDTC:
		r, _ := m.ReadDTC(id)
		return fmt.Sprintf("событие %d: статус 0x%02X, FDC %d (макс. %d), старение %s, запись %t, появлений %d",
			id, uint8(r.Status), r.FDC, r.MaxFDC, r.Aging, r.Stored, r.Occurrence), nil
	case common.CommandTypeLockReadout:
		if !m.LockReadout(id) {
			return "", fmt.Errorf("у события %d нет записи в памяти", id)
		}
		return fmt.Sprintf("запись события %d защищена от вытеснения", id), nil
	case common.CommandTypeUnlockReadout:
		if !m.UnlockReadout(id) {
			return "", fmt.Errorf("у события %d нет записи в памяти", id)
		}
		return fmt.Sprintf("защита записи события %d снята", id), nil
	case common.CommandTypeSuppress:
		on := enabled(cmd.Params)
		m.SetSuppressed(id, on)
		return fmt.Sprintf("подавление DTC события %d: %t", id, on), nil
	case common.CommandTypeIndicator:
		on := enabled(cmd.Params)
		m.SetUserIndicator(id, on)
		return fmt.Sprintf("индикатор события %d: %t", id, on), nil
	default:
		return "", fmt.Errorf("неизвестная команда %q", cmd.Type)
	}
}

// enabled - значение enable, по умолчанию true.
func enabled(p common.CommandParams) bool {
	return p.Enable == nil || *p.Enable
}

func (m *Manager) commandTarget(p common.CommandParams) (config.EventID, bool, error) {
	switch {
	case p.EventID != nil:
		id := config.EventID(*p.EventID)
		if !m.cfg.IsValidEvent(id) {
			return 0, false, fmt.Errorf("неизвестное событие %d", id)
		}
		return id, true, nil
	case p.SPN != nil && p.FMI != nil:
		id, ok := m.cfg.EventByJ1939(uint32(*p.SPN), uint8(*p.FMI))
		if !ok {
			return 0, false, fmt.Errorf("SPN %d FMI %d не сопоставлен событию", *p.SPN, *p.FMI)
		}
		return id, true, nil
	}
	return config.EventInvalid, false, nil
}

// Run периодически вызывает MainFunction до отмены ctx, затем записывает
// все оставшиеся блоки NVRAM.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Flush(flushCtx); err != nil {
				return fmt.Errorf("финальная запись NvM: %w", err)
			}
			log.Info().Msg("Образ памяти неисправностей записан")
			return nil
		case <-ticker.C:
			if err := m.MainFunction(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Ошибка главной функции DEM")
			}
		}
	}
}
