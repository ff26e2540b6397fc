package main

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/internal/config"
)

// FaultSink принимает квалифицированные результаты диагностики.
type FaultSink interface {
	ReportFailed(id config.EventID)
	ReportPassed(id config.EventID)
	SetEngineRuntime(minutes uint32)
}

// pidParam - один блок PID/Data внутри фрейма.
type pidParam struct {
	PID  byte
	Data []byte
}

// diagCode - запись PID 194.
type diagCode struct {
	Code       config.J1587DTC
	Active     bool
	Occurrence int // -1, если счетчик не передан
}

// calculateJ1587Checksum вычисляет контрольную сумму для J1587 фрейма
func calculateJ1587Checksum(frame []byte) byte {
	sum := 0
	for _, b := range frame {
		sum += int(b)
	}
	return byte(256 - (sum % 256))
}

// validateJ1587Checksum проверяет контрольную сумму J1587 фрейма
func validateJ1587Checksum(frame []byte) bool {
	if len(frame) < 3 { // MID + минимум 1 PID + checksum
		return false
	}

	sum := 0
	for _, b := range frame {
		sum += int(b)
	}
	return (sum % 256) == 0
}

// splitParams разбивает данные фрейма (без MID и checksum) на блоки PID/Data.
// Разобранные до ошибки блоки возвращаются вместе с ней.
func splitParams(data []byte) ([]pidParam, error) {
	var out []pidParam
	offset := 0
	for offset < len(data) {
		pid := data[offset]
		offset++

		var n int
		switch {
		case pid <= 127:
			n = 1
		case pid <= 191:
			n = 2
		case pid <= 253:
			// переменная длина: следующий байт содержит количество байт данных
			if offset >= len(data) {
				return out, fmt.Errorf("недостаточно данных для чтения длины PID %d", pid)
			}
			n = int(data[offset])
			offset++
		default:
			return out, fmt.Errorf("недопустимый PID: %d", pid)
		}

		if offset+n > len(data) {
			return out, fmt.Errorf("недостаточно данных для PID %d: нужно %d байт, доступно %d", pid, n, len(data)-offset)
		}
		out = append(out, pidParam{PID: pid, Data: data[offset : offset+n]})
		offset += n
	}
	return out, nil
}

// decodeDiagnostics разбирает данные PID 194: пары PID/SID и символ кода,
// за которыми может следовать счетчик появлений.
func decodeDiagnostics(mid byte, data []byte) []diagCode {
	var out []diagCode
	for i := 0; i+2 <= len(data); {
		id := uint16(data[i])
		cc := data[i+1]
		i += 2

		dc := diagCode{Occurrence: -1}
		if cc&codeCharOccurrence != 0 {
			if i >= len(data) {
				log.Warn().Uint8("mid", mid).Msg("J1587: PID 194 обрезан перед счетчиком появлений")
				break
			}
			dc.Occurrence = int(data[i])
			i++
		}
		if cc&codeCharExtended != 0 {
			id += 256
		}
		dc.Active = cc&codeCharInactive == 0
		dc.Code = config.J1587DTC{
			MID:   mid,
			PID:   id,
			IsSID: cc&codeCharSID != 0,
			FMI:   cc & codeCharFMIMask,
		}
		out = append(out, dc)
	}
	return out
}

type FrameProcessor struct {
	data *J1587Data
	cfg  *config.Config
	sink FaultSink

	mu     sync.Mutex
	active map[uint8]map[config.EventID]bool // MID -> события, активные в последнем PID 194
}

// NewFrameProcessor создает обработчик фреймов, сообщающий неисправности в sink.
func NewFrameProcessor(data *J1587Data, cfg *config.Config, sink FaultSink) *FrameProcessor {
	return &FrameProcessor{
		data:   data,
		cfg:    cfg,
		sink:   sink,
		active: make(map[uint8]map[config.EventID]bool),
	}
}

// ProcessFrame проверяет фрейм и обрабатывает все его блоки PID/Data.
func (fp *FrameProcessor) ProcessFrame(frame []byte) {
	if len(frame) < 3 {
		log.Debug().Int("len", len(frame)).Msg("J1587: фрейм слишком короткий")
		return
	}
	if !validateJ1587Checksum(frame) {
		log.Debug().Hex("frame", frame).Msg("J1587: неверная контрольная сумма")
		return
	}

	mid := frame[0]
	params, err := splitParams(frame[1 : len(frame)-1])
	if err != nil {
		log.Warn().Err(err).Uint8("mid", mid).Msg("J1587: ошибка разбора фрейма")
	}
	for _, p := range params {
		fp.processPIDData(mid, p.PID, p.Data)
	}
}

// processPIDData обрабатывает данные для конкретного PID
func (fp *FrameProcessor) processPIDData(mid byte, pid byte, paramData []byte) {
	switch pid {
	case PID_VEHICLE_SPEED:
		fp.data.Set("Speed", float64(paramData[0])*0.5)
	case PID_ENGINE_RPM:
		// 0.25 rpm/bit
		fp.data.Set("EngineRPM", float64(binary.LittleEndian.Uint16(paramData))*0.25)
	case PID_COOLANT_TEMP:
		fp.data.Set("EngineCoolantTemp", float64(paramData[0])-40)
	case PID_OIL_PRESSURE:
		fp.data.Set("EngineOilPressure", float64(paramData[0])*4.0)
	case PID_ENGINE_LOAD:
		fp.data.Set("EngineLoad", float64(paramData[0])*0.4)
	case PID_FUEL_LEVEL:
		fp.data.Set("FuelLevel", float64(paramData[0])*0.5)
	case PID_BATTERY_VOLTAGE:
		fp.data.Set("BatteryVoltage", float64(binary.LittleEndian.Uint16(paramData))*0.05)
	case PID_AMBIENT_TEMP:
		fp.data.Set("AmbientAirTemp", float64(int16(binary.LittleEndian.Uint16(paramData)))*0.25)
	case PID_TOTAL_DISTANCE:
		if len(paramData) >= 4 {
			fp.data.Set("TotalDistance", float64(binary.LittleEndian.Uint32(paramData))*0.161) // км
		}
	case PID_ENGINE_HOURS:
		fp.parseEngineHours(paramData)
	case PID_ACTIVE_DTC:
		fp.parseDiagnostics(mid, paramData)
	case PID_PREVIOUSLY_ACTIVE_DTC:
		log.Debug().Uint8("mid", mid).Hex("data", paramData).Msg("J1587: запрос диагностики PID 195")
	default:
		log.Trace().Uint8("mid", mid).Uint8("pid", pid).Msg("J1587: неизвестный PID")
	}
}

// parseEngineHours передает наработку двигателя в DEM, 0.05 ч/бит.
func (fp *FrameProcessor) parseEngineHours(data []byte) {
	if len(data) < 4 {
		return
	}
	raw := binary.LittleEndian.Uint32(data)
	if raw == 0xFFFFFFFF {
		return
	}
	hours := float64(raw) * 0.05
	fp.data.Set("EngineHours", hours)
	fp.sink.SetEngineRuntime(uint32(hours * 60))
}

// parseDiagnostics сообщает DEM отказ для кодов, ставших активными, и
// прохождение для событий, пропавших из активных кодов модуля mid.
func (fp *FrameProcessor) parseDiagnostics(mid byte, data []byte) {
	codes := decodeDiagnostics(mid, data)
	current := make(map[config.EventID]bool)
	inactive := 0
	for _, dc := range codes {
		if !dc.Active {
			inactive++
			continue
		}
		id, ok := fp.cfg.EventByJ1587(dc.Code)
		if !ok {
			log.Debug().Uint8("mid", mid).Uint16("pid", dc.Code.PID).Bool("sid", dc.Code.IsSID).
				Uint8("fmi", dc.Code.FMI).Msg("J1587: DTC без события DEM")
			continue
		}
		current[id] = true
	}
	fp.data.Set("InactiveDTCs", inactive)

	fp.mu.Lock()
	prev := fp.active[mid]
	fp.active[mid] = current
	fp.mu.Unlock()

	for id := range current {
		if !prev[id] {
			log.Info().Uint8("mid", mid).Uint16("event", uint16(id)).Msg("J1587: активный DTC")
			fp.sink.ReportFailed(id)
		}
	}
	for id := range prev {
		if !current[id] {
			fp.sink.ReportPassed(id)
		}
	}
}
