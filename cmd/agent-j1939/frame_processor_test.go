package main

import (
	"encoding/binary"
	"math"
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
  - {id: 1, name: coolant_temp, j1939: {spn: 110, fmi: 0}}
  - {id: 2, name: oil_pressure, j1939: {spn: 100, fmi: 1}}
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
	return NewFrameProcessor(NewJ1939Data(), cfg, sink), sink
}

// dm1 собирает DM1 с лампами 0x00 0xFF и заданными SPN/FMI.
func dm1(codes ...[2]uint32) []byte {
	out := []byte{0x00, 0xFF}
	for _, c := range codes {
		spn, fmi := c[0], c[1]
		out = append(out, byte(spn), byte(spn>>8), byte(spn>>16)<<5|byte(fmi), 0x01)
	}
	if len(out) < 8 {
		out = append(out, make([]byte, 8-len(out))...)
	}
	return out
}

func TestDecodeDTCs(t *testing.T) {
	dtcs := decodeDTCs(dm1([2]uint32{520000, 31}, [2]uint32{110, 0}), 0x00)
	require.Len(t, dtcs, 2)
	assert.Equal(t, 520000, dtcs[0].SPN)
	assert.Equal(t, 31, dtcs[0].FMI)
	assert.Equal(t, 1, dtcs[0].OC)
	assert.Equal(t, 110, dtcs[1].SPN)

	assert.Empty(t, decodeDTCs(dm1(), 0x00))
	assert.Nil(t, decodeDTCs([]byte{0, 0}, 0x00))
}

func TestDM1ReportsTransitions(t *testing.T) {
	fp, sink := newProcessor(t)

	fp.ProcessFrame(pgnDM1, 0x00, dm1([2]uint32{110, 0}, [2]uint32{9999, 3}))
	assert.Equal(t, []config.EventID{1}, sink.failed)

	fp.ProcessFrame(pgnDM1, 0x00, dm1([2]uint32{110, 0}))
	assert.Len(t, sink.failed, 1, "повторный DM1 не сообщает отказ снова")

	fp.ProcessFrame(pgnDM1, 0x03, dm1([2]uint32{100, 1}))
	assert.Equal(t, []config.EventID{1, 2}, sink.failed)

	fp.ProcessFrame(pgnDM1, 0x00, dm1())
	assert.Equal(t, []config.EventID{1}, sink.passed)
}

func TestEngineHoursFeedRuntime(t *testing.T) {
	fp, sink := newProcessor(t)
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, 200) // 10 ч

	fp.ProcessFrame(pgnHours, 0x00, data)
	assert.Equal(t, uint32(600), sink.runtime)
}

func TestCollectFreezeFrame(t *testing.T) {
	fp, _ := newProcessor(t)
	fp.ProcessFrame(pgnEEC1, 0x00, []byte{0xFF, 0xFF, 175, 0x80, 0x3E, 0xFF, 0xFF, 0xFF})

	buf := make([]byte, 10)
	fp.data.CollectObdFreezeFrame(1, buf, nil)

	rpm := math.Float32frombits(binary.BigEndian.Uint32(buf[0:4]))
	load := math.Float32frombits(binary.BigEndian.Uint32(buf[4:8]))
	assert.InDelta(t, 2000.0, rpm, 0.01)
	assert.InDelta(t, 50.0, load, 0.01)
	assert.Equal(t, []byte{0, 0}, buf[8:10])
}
