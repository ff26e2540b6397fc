package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1708-dem/internal/config"
)

const agentConfig = `
memories:
  - id: primary
    size: 4
events:
  - {id: 1, name: coolant_temp, j1587: {mid: 128, pid: 110, fmi: 0}}
  - {id: 2, name: injector_1, j1587: {mid: 128, pid: 21, sid: true, fmi: 2}}
`

type fakeSink struct {
	failed  []config.EventID
	passed  []config.EventID
	runtime uint32
}

func (s *fakeSink) ReportFailed(id config.EventID)  { s.failed = append(s.failed, id) }
func (s *fakeSink) ReportPassed(id config.EventID)  { s.passed = append(s.passed, id) }
func (s *fakeSink) SetEngineRuntime(minutes uint32) { s.runtime = minutes }

func newProcessor(t *testing.T) (*FrameProcessor, *fakeSink) {
	t.Helper()
	cfg, err := config.Parse([]byte(agentConfig))
	require.NoError(t, err)
	sink := &fakeSink{}
	return NewFrameProcessor(NewJ1587Data(), cfg, sink), sink
}

// frame собирает фрейм MID + данные + контрольная сумма.
func frame(mid byte, data ...byte) []byte {
	out := append([]byte{mid}, data...)
	return append(out, calculateJ1587Checksum(out))
}

func TestChecksum(t *testing.T) {
	f := frame(128, PID_VEHICLE_SPEED, 100)
	assert.True(t, validateJ1587Checksum(f))

	f[1]++
	assert.False(t, validateJ1587Checksum(f))
	assert.False(t, validateJ1587Checksum([]byte{128, 0}))
}

func TestSplitParams(t *testing.T) {
	params, err := splitParams([]byte{84, 100, 190, 0x40, 0x1F, 247, 4, 1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, params, 3)
	assert.Equal(t, pidParam{PID: 84, Data: []byte{100}}, params[0])
	assert.Equal(t, []byte{0x40, 0x1F}, params[1].Data)
	assert.Equal(t, []byte{1, 2, 3, 4}, params[2].Data)

	params, err = splitParams([]byte{84, 100, 247, 4, 1, 2})
	assert.Error(t, err)
	assert.Len(t, params, 1)

	_, err = splitParams([]byte{255, 1})
	assert.Error(t, err)
}

func TestDecodeDiagnostics(t *testing.T) {
	codes := decodeDiagnostics(128, []byte{
		110, 0x00,
		21, codeCharOccurrence | codeCharSID | codeCharInactive | 0x02, 7,
		5, codeCharExtended | 0x03,
	})
	require.Len(t, codes, 3)

	assert.Equal(t, diagCode{Code: config.J1587DTC{MID: 128, PID: 110}, Active: true, Occurrence: -1}, codes[0])
	assert.Equal(t, diagCode{Code: config.J1587DTC{MID: 128, PID: 21, IsSID: true, FMI: 2}, Occurrence: 7}, codes[1])
	assert.Equal(t, uint16(261), codes[2].Code.PID)
	assert.Equal(t, uint8(3), codes[2].Code.FMI)
}

func TestDiagnosticsReportTransitions(t *testing.T) {
	fp, sink := newProcessor(t)

	fp.ProcessFrame(frame(128, PID_ACTIVE_DTC, 2, 110, 0x00))
	assert.Equal(t, []config.EventID{1}, sink.failed)

	fp.ProcessFrame(frame(128, PID_ACTIVE_DTC, 2, 110, 0x00))
	assert.Equal(t, []config.EventID{1}, sink.failed, "повтор не должен давать новый отказ")

	fp.ProcessFrame(frame(128, PID_ACTIVE_DTC, 4, 110, 0x00, 21, codeCharSID|0x02))
	assert.Equal(t, []config.EventID{1, 2}, sink.failed)

	// тот же код от другого модуля не сопоставлен
	fp.ProcessFrame(frame(130, PID_ACTIVE_DTC, 2, 110, 0x00))
	assert.Len(t, sink.failed, 2)

	fp.ProcessFrame(frame(128, PID_ACTIVE_DTC, 2, 110, codeCharInactive))
	assert.ElementsMatch(t, []config.EventID{1, 2}, sink.passed)

	inactive, ok := fp.data.Get("InactiveDTCs")
	require.True(t, ok)
	assert.Equal(t, 1, inactive)
}

func TestParametersAndEngineHours(t *testing.T) {
	fp, sink := newProcessor(t)

	fp.ProcessFrame(frame(128, PID_ENGINE_RPM, 0x40, 0x1F, PID_COOLANT_TEMP, 130, PID_ENGINE_HOURS, 4, 200, 0, 0, 0))

	rpm, _ := fp.data.Get("EngineRPM")
	assert.Equal(t, 2000.0, rpm)
	temp, _ := fp.data.Get("EngineCoolantTemp")
	assert.Equal(t, 90.0, temp)
	assert.Equal(t, uint32(600), sink.runtime)
}

func TestProcessFrameRejectsBadChecksum(t *testing.T) {
	fp, _ := newProcessor(t)
	f := frame(128, PID_VEHICLE_SPEED, 100)
	f[len(f)-1]++
	fp.ProcessFrame(f)

	_, ok := fp.data.Get("Speed")
	assert.False(t, ok)
}
