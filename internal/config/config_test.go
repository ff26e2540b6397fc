package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../configs/dem.yaml")
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.EntryCount())
	assert.Equal(t, 8, cfg.EventCount())
	assert.True(t, cfg.IsObd())
	assert.True(t, cfg.IsWWHObd())
	assert.Equal(t, 8, cfg.Memory(MemorySecondary).First)
	assert.Equal(t, EventID(3), cfg.MasterEvent(4))
	assert.True(t, cfg.HasStorageTrigger(TriggerFdc))
	assert.False(t, cfg.HasUpdateTrigger(TriggerFdc))
	assert.Equal(t, []EventID{1, 2, 3, 4, 5, 6}, cfg.J1939Events())
	assert.Equal(t, []EventID{1, 2, 3, 4, 7}, cfg.J1587Events(128))
	assert.Empty(t, cfg.J1587Events(130))

	id, ok := cfg.EventByJ1587(J1587DTC{MID: 128, PID: 1, IsSID: true, FMI: 5})
	require.True(t, ok)
	assert.Equal(t, EventID(3), id)
	_, ok = cfg.EventByJ1587(J1587DTC{MID: 128, PID: 1, FMI: 5})
	assert.False(t, ok, "PID и SID с одним номером различаются")
}

func TestNormalizeDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
memories:
  - id: primary
    size: 2
events:
  - {id: 2, name: a}
  - {id: 5, name: b, memory: primary, confirmation_threshold: 3}
`))
	require.NoError(t, err)

	assert.Equal(t, CombinationNone, cfg.Features.Combination)
	assert.Equal(t, AgingStorageEntry, cfg.Features.AgingStorage)
	assert.Equal(t, []Trigger{TriggerFailed}, cfg.Features.StorageTriggers)
	assert.Equal(t, FallbackNone, cfg.Features.Displacement.Fallback)
	assert.False(t, cfg.IsObd())

	assert.Equal(t, 6, cfg.EventCount())
	assert.Equal(t, []EventID{2, 5}, cfg.EventIDs())
	assert.Nil(t, cfg.Event(3))
	assert.Nil(t, cfg.Event(100))
	assert.False(t, cfg.IsValidEvent(EventInvalid))

	a := cfg.Event(2)
	assert.Equal(t, MemoryPrimary, a.Memory)
	assert.Equal(t, uint8(1), a.ConfirmationThreshold)
	assert.Equal(t, -1, a.AgingCounterIndex)
	assert.Equal(t, uint8(3), cfg.Event(5).ConfirmationThreshold)
	assert.Nil(t, cfg.Group(2))
	assert.Equal(t, EventID(2), cfg.MasterEvent(2))
}

func TestDefaultMemoryIsPrimary(t *testing.T) {
	cfg, err := Parse([]byte(`
memories:
  - {id: secondary, size: 1}
  - {id: primary, size: 2}
events:
  - {id: 1, name: a}
`))
	require.NoError(t, err)

	assert.Equal(t, MemoryPrimary, cfg.Event(1).Memory)
	assert.Equal(t, 1, cfg.Memory(MemoryPrimary).First)
}

func TestIndependentAgingSlots(t *testing.T) {
	cfg, err := Parse([]byte(`
features:
  aging_storage: independent
memories:
  - id: primary
    size: 2
events:
  - {id: 3, name: a}
  - {id: 1, name: b}
`))
	require.NoError(t, err)

	assert.True(t, cfg.AgingIndependent())
	assert.Equal(t, 2, cfg.AgingCounterSlots)
	assert.Equal(t, 0, cfg.Event(1).AgingCounterIndex)
	assert.Equal(t, 1, cfg.Event(3).AgingCounterIndex)
}

func TestCombinationType2KeepsOwnMaster(t *testing.T) {
	cfg, err := Parse([]byte(`
features:
  combination: type2
memories:
  - id: primary
    size: 2
events:
  - {id: 1, name: a}
  - {id: 2, name: b}
combined_groups:
  - {id: 7, events: [1, 2]}
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Group(2))
	assert.Equal(t, 7, cfg.Group(2).ID)
	assert.Equal(t, EventID(2), cfg.MasterEvent(2))
}

func TestInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"нет памяти", `events: [{id: 1}]`},
		{"нулевой id", `
memories: [{id: primary, size: 1}]
events: [{id: 0, name: zero}]`},
		{"повторный id", `
memories: [{id: primary, size: 1}]
events: [{id: 1}, {id: 1}]`},
		{"повтор SPN/FMI", `
memories: [{id: primary, size: 1}]
events:
  - {id: 1, j1939: {spn: 110, fmi: 0}}
  - {id: 2, j1939: {spn: 110, fmi: 0}}`},
		{"повтор J1587", `
memories: [{id: primary, size: 1}]
events:
  - {id: 1, j1587: {mid: 128, pid: 110, fmi: 0}}
  - {id: 2, j1587: {mid: 128, pid: 110, fmi: 0}}`},
		{"группы без комбинации", `
memories: [{id: primary, size: 1}]
events: [{id: 1}, {id: 2}]
combined_groups: [{id: 1, events: [1, 2]}]`},
		{"событие в двух группах", `
features: {combination: type1}
memories: [{id: primary, size: 1}]
events: [{id: 1}, {id: 2}]
combined_groups: [{id: 1, events: [1, 2]}, {id: 2, events: [2]}]`},
		{"неизвестное событие группы", `
features: {combination: type1}
memories: [{id: primary, size: 1}]
events: [{id: 1}]
combined_groups: [{id: 1, events: [1, 9]}]`},
		{"неизвестный триггер", `
features: {storage_triggers: [sometimes]}
memories: [{id: primary, size: 1}]
events: [{id: 1}]`},
		{"неизвестная память", `
memories: [{id: primary, size: 1}]
events: [{id: 1, memory: user}]`},
		{"нулевой размер памяти", `
memories: [{id: primary, size: 0}]
events: [{id: 1}]`},
		{"OBD без freeze frame", `
features: {obd: obd2}
memories: [{id: primary, size: 1}]
events: [{id: 1}]`},
		{"группа в разных памятях", `
features: {combination: type1}
memories: [{id: primary, size: 1}, {id: secondary, size: 1}]
events: [{id: 1}, {id: 2, memory: secondary}]
combined_groups: [{id: 1, events: [1, 2]}]`},
		{"битый YAML", `memories: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}
