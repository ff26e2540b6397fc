package main

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/common"
	"github.com/serebryakov7/j1708-dem/internal/config"
)

const (
	pgnEEC1  uint32 = 0xF004 // Electronic Engine Controller 1 (SPN 513 - Actual Engine % Torque, SPN 190 - Engine Speed)
	pgnLFE   uint32 = 0xFEF2 // Fuel Economy (Liquid) (SPN 183 - Engine Fuel Rate)
	pgnGPS   uint32 = 0xFEF3 // Vehicle Position (SPN 584/585)
	pgnAmb   uint32 = 0xFEF5 // Ambient Conditions (SPN 171 - Ambient Air Temperature)
	pgnHours uint32 = 0xFEE5 // Engine Hours, Revolutions (SPN 247 - Engine Total Hours of Operation)
	pgnDM1   uint32 = 0xFECA // DM1 (Active Diagnostic Trouble Codes)
	pgnDM2   uint32 = 0xFECB // DM2 (Previously Active Diagnostic Trouble Codes)
)

// FaultSink принимает квалифицированные результаты диагностики.
type FaultSink interface {
	ReportFailed(id config.EventID)
	ReportPassed(id config.EventID)
	SetEngineRuntime(minutes uint32)
}

type FrameProcessor struct {
	data *J1939Data
	cfg  *config.Config
	sink FaultSink

	mu     sync.Mutex
	active map[uint8]map[config.EventID]bool // SA -> события, активные в последнем DM1
}

// NewFrameProcessor создает обработчик кадров, сообщающий неисправности в sink.
func NewFrameProcessor(data *J1939Data, cfg *config.Config, sink FaultSink) *FrameProcessor {
	return &FrameProcessor{
		data:   data,
		cfg:    cfg,
		sink:   sink,
		active: make(map[uint8]map[config.EventID]bool),
	}
}

// ProcessFrame разбирает фрейм J1939 и обновляет J1939Data.
func (fp *FrameProcessor) ProcessFrame(pgn uint32, sa uint8, data []byte) {
	switch pgn {
	case pgnEEC1:
		fp.parseEEC1(data)
	case pgnGPS:
		fp.parseVehiclePosition(data)
	case pgnLFE:
		fp.parseFuelConsumption(data)
	case pgnAmb:
		fp.parseAmbientConditions(data)
	case pgnHours:
		fp.parseEngineHours(data)
	case pgnDM1:
		fp.parseDM1(data, sa)
	case pgnDM2:
		fp.parseDM2(data, sa)
	}
}

// parseEEC1 парсит данные от электронного блока управления двигателем (PGN F004)
func (fp *FrameProcessor) parseEEC1(data []byte) {
	if len(data) < 5 {
		return
	}
	// SPN 190: Engine Speed (Bytes 4, 5), 0.125 rpm/bit
	if data[3] != 0xFF || data[4] != 0xFF {
		rpmRaw := binary.LittleEndian.Uint16(data[3:5])
		fp.data.Set("EngineRPM", float64(rpmRaw)*0.125)
	} else {
		fp.data.Set("EngineRPM", nil)
	}

	// SPN 513: Actual Engine - Percent Torque (Byte 3), offset -125 %
	if data[2] != 0xFF {
		fp.data.Set("EngineLoad", float64(data[2])-125.0)
	} else {
		fp.data.Set("EngineLoad", nil)
	}
}

func (fp *FrameProcessor) parseVehiclePosition(data []byte) {
	if len(data) < 8 {
		return
	}
	// SPN 584/585: Latitude/Longitude, 1e-7 deg/bit, offset -210 deg
	if binary.LittleEndian.Uint32(data[0:4]) != 0xFFFFFFFF {
		fp.data.Set("Latitude", float64(binary.LittleEndian.Uint32(data[0:4]))*1e-7-210)
	} else {
		fp.data.Set("Latitude", nil)
	}
	if binary.LittleEndian.Uint32(data[4:8]) != 0xFFFFFFFF {
		fp.data.Set("Longitude", float64(binary.LittleEndian.Uint32(data[4:8]))*1e-7-210)
	} else {
		fp.data.Set("Longitude", nil)
	}
}

func (fp *FrameProcessor) parseFuelConsumption(data []byte) {
	if len(data) < 2 {
		return
	}
	// SPN 183: Engine Fuel Rate, 0.05 L/h per bit
	if data[0] != 0xFF || data[1] != 0xFF {
		fp.data.Set("FuelConsumption", float64(binary.LittleEndian.Uint16(data[0:2]))*0.05)
	} else {
		fp.data.Set("FuelConsumption", nil)
	}
}

func (fp *FrameProcessor) parseAmbientConditions(data []byte) {
	if len(data) < 5 {
		return
	}
	// SPN 171: Ambient Air Temperature (Bytes 4-5), 0.03125 C/bit, offset -273 C
	if data[3] == 0xFF && data[4] == 0xFF {
		fp.data.Set("AmbientAirTemp", nil)
		return
	}
	fp.data.Set("AmbientAirTemp", float64(binary.LittleEndian.Uint16(data[3:5]))*0.03125-273.0)
}

// parseEngineHours передает наработку двигателя в DEM для таймера старения WWH-OBD.
func (fp *FrameProcessor) parseEngineHours(data []byte) {
	if len(data) < 4 {
		return
	}
	// SPN 247: Engine Total Hours of Operation, 0.05 h/bit
	raw := binary.LittleEndian.Uint32(data[0:4])
	if raw >= 0xFAFFFFFF {
		return
	}
	hours := float64(raw) * 0.05
	fp.data.Set("EngineHours", hours)
	fp.sink.SetEngineRuntime(uint32(hours * 60))
}

// decodeDTCs извлекает DTC из DM1/DM2: 2 байта ламп, затем группы по 4 байта.
// Нулевой SPN означает отсутствие активных DTC.
func decodeDTCs(data []byte, sa uint8) []common.DTCCode {
	if len(data) < 6 {
		return nil
	}
	if (len(data)-2)%4 != 0 {
		log.Warn().Int("len", len(data)).Uint8("sa", sa).Msg("Длина DM некорректна, ожидается 2 + N*4 байт")
	}
	now := time.Now().UnixNano()
	var out []common.DTCCode
	for offset := 2; offset+4 <= len(data); offset += 4 {
		spn := uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2]>>5)<<16
		fmi := data[offset+2] & 0x1F
		oc := data[offset+3] & 0x7F
		if spn == 0 {
			continue
		}
		out = append(out, common.DTCCode{
			MID:       int(sa),
			SPN:       int(spn),
			FMI:       int(fmi),
			OC:        int(oc),
			Timestamp: now,
		})
	}
	return out
}

// parseDM1 сообщает DEM отказ для каждого нового активного DTC и прохождение
// для событий, исчезнувших из DM1 этого источника.
func (fp *FrameProcessor) parseDM1(data []byte, sa uint8) {
	if len(data) < 6 {
		return
	}
	current := make(map[config.EventID]bool)
	for _, dtc := range decodeDTCs(data, sa) {
		id, ok := fp.cfg.EventByJ1939(uint32(dtc.SPN), uint8(dtc.FMI))
		if !ok {
			log.Debug().Uint8("sa", sa).Int("spn", dtc.SPN).Int("fmi", dtc.FMI).Msg("DTC без события DEM")
			continue
		}
		current[id] = true
	}

	fp.mu.Lock()
	prev := fp.active[sa]
	fp.active[sa] = current
	fp.mu.Unlock()

	for id := range current {
		if !prev[id] {
			log.Info().Uint8("sa", sa).Uint16("event", uint16(id)).Msg("Активный DTC в DM1")
			fp.sink.ReportFailed(id)
		}
	}
	for id := range prev {
		if !current[id] {
			fp.sink.ReportPassed(id)
		}
	}
}

// parseDM2 только фиксирует ранее активные DTC: их состояние ведет DEM.
func (fp *FrameProcessor) parseDM2(data []byte, sa uint8) {
	dtcs := decodeDTCs(data, sa)
	log.Debug().Uint8("sa", sa).Int("dtcs", len(dtcs)).Msg("Получен DM2")
	fp.data.Set("PreviouslyActiveDTCs", len(dtcs))
}
