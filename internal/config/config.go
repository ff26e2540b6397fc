package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EventID - плотный целочисленный идентификатор события, допустимый диапазон [1, EventCount).
type EventID uint16

// EventInvalid означает отсутствие события (свободный слот, ошибка выделения).
const EventInvalid EventID = 0

// MemoryID - имя памяти событий (primary, secondary, пользовательские).
type MemoryID string

const (
	MemoryPrimary   MemoryID = "primary"
	MemorySecondary MemoryID = "secondary"
)

// CombinationType определяет вариант объединения событий в один DTC.
type CombinationType string

const (
	CombinationNone  CombinationType = "none"
	CombinationType1 CombinationType = "type1" // объединение при сохранении
	CombinationType2 CombinationType = "type2" // объединение при чтении
)

// AgingStorage определяет, где хранится счетчик старения.
type AgingStorage string

const (
	AgingStorageEntry       AgingStorage = "entry"       // в записи памяти событий
	AgingStorageIndependent AgingStorage = "independent" // в отдельном массиве, независимо от записи
)

// ObdSupport - поддерживаемый вариант OBD.
type ObdSupport string

const (
	ObdNone  ObdSupport = "none"
	ObdII    ObdSupport = "obd2"
	ObdWWH   ObdSupport = "wwhobd"
	ObdOnUds ObdSupport = "obdonuds"
)

// Trigger - триггер сохранения или обновления записи.
type Trigger string

const (
	TriggerFailed    Trigger = "failed"
	TriggerTFOC      Trigger = "tfoc" // первый отказ в текущем цикле
	TriggerConfirmed Trigger = "confirmed"
	TriggerPending   Trigger = "pending"
	TriggerFdc       Trigger = "fdc"
)

// FallbackMode - поведение вытеснения, когда ни один кандидат не подошел.
type FallbackMode string

const (
	FallbackNone   FallbackMode = "none"
	FallbackOldest FallbackMode = "oldest"
)

// DisplacementConfig настраивает выбор вытесняемой записи.
type DisplacementConfig struct {
	Enabled             bool         `yaml:"enabled"`
	PriorityFirstMatch  bool         `yaml:"priority_first_match"`
	ObdExclusion        bool         `yaml:"obd_exclusion"`
	PassivePreference   bool         `yaml:"passive_preference"`
	ReadinessPreference bool         `yaml:"readiness_preference"`
	Fallback            FallbackMode `yaml:"fallback"`
}

// Features - разрешенная один раз при старте матрица возможностей.
type Features struct {
	Combination                 CombinationType    `yaml:"combination"`
	AgingStorage                AgingStorage       `yaml:"aging_storage"`
	AgingStartOnPassed          bool               `yaml:"aging_start_on_passed"`
	AgingRequiresTested         bool               `yaml:"aging_requires_tested"`
	AgingRequiresNotFailed      bool               `yaml:"aging_requires_not_failed"`
	AgingAllocatesEntry         bool               `yaml:"aging_allocates_entry"`
	RetainEntryAfterAging       bool               `yaml:"retain_entry_after_aging"`
	Obd                         ObdSupport         `yaml:"obd"`
	StorageTriggers             []Trigger          `yaml:"storage_triggers"`
	UpdateTriggers              []Trigger          `yaml:"update_triggers"`
	ResetConfirmedOnOverflow    bool               `yaml:"reset_confirmed_on_overflow"`
	CustomizedMemory            bool               `yaml:"customized_memory"`
	Displacement                DisplacementConfig `yaml:"displacement"`
	FreezeFrameVisibleOnPending bool               `yaml:"freeze_frame_visible_on_pending"`
}

// J1939DTC - пара SPN/FMI, по которой DM1 сопоставляется с событием.
type J1939DTC struct {
	SPN uint32 `yaml:"spn"`
	FMI uint8  `yaml:"fmi"`
}

// J1587DTC - тройка MID/PID/FMI диагностического сообщения PID 194.
// Для SID поле PID содержит номер SID, а IsSID установлен.
type J1587DTC struct {
	MID   uint8  `yaml:"mid"`
	PID   uint16 `yaml:"pid"`
	IsSID bool   `yaml:"sid,omitempty"`
	FMI   uint8  `yaml:"fmi"`
}

// EventConfig - статически сконфигурированное событие.
type EventConfig struct {
	ID                    EventID   `yaml:"id"`
	Name                  string    `yaml:"name"`
	UdsDtc                uint32    `yaml:"uds_dtc"`
	ObdDtc                uint16    `yaml:"obd_dtc"`
	J1939                 *J1939DTC `yaml:"j1939,omitempty"`
	J1587                 *J1587DTC `yaml:"j1587,omitempty"`
	Priority              uint8     `yaml:"priority"`
	AgingTarget           uint8     `yaml:"aging_target"`
	NoAging               bool      `yaml:"no_aging"`
	Memory                MemoryID  `yaml:"memory"`
	ConfirmationThreshold uint8     `yaml:"confirmation_threshold"`
	FdcThreshold          int8      `yaml:"fdc_threshold"`
	ObdRelevant           bool      `yaml:"obd_relevant"`
	Indicator             bool      `yaml:"indicator"`
	Unavailable           bool      `yaml:"unavailable"`

	AgingCounterIndex int `yaml:"-"`
	Group             int `yaml:"-"`
}

// SupportsAging сообщает, разрешено ли событию стареть.
func (e *EventConfig) SupportsAging() bool {
	return !e.NoAging
}

// CombinedGroup - группа событий с общим DTC.
type CombinedGroup struct {
	ID     int       `yaml:"id"`
	Events []EventID `yaml:"events"`
}

// MemoryConfig - ограниченная память событий. First вычисляется при нормализации.
type MemoryConfig struct {
	ID    MemoryID `yaml:"id"`
	Size  int      `yaml:"size"`
	First int      `yaml:"-"`
}

// Config - неизменяемая после Load конфигурация ядра DEM.
type Config struct {
	Features            Features        `yaml:"features"`
	Events              []EventConfig   `yaml:"events"`
	CombinedGroups      []CombinedGroup `yaml:"combined_groups"`
	Memories            []MemoryConfig  `yaml:"memories"`
	AgingCounterSlots   int             `yaml:"aging_counter_slots"`
	ObdFreezeFrameSlots int             `yaml:"obd_freeze_frame_slots"`
	ObdFreezeFrameSize  int             `yaml:"obd_freeze_frame_size"`
	PermanentSlots      int             `yaml:"permanent_slots"`

	byID       []*EventConfig
	byJ1939    map[J1939DTC]EventID
	byJ1587    map[J1587DTC]EventID
	entryCount int
}

// Load читает YAML-конфигурацию и приводит ее к рабочему виду.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию DEM: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML-конфигурацию из памяти.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию DEM: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize заполняет значения по умолчанию, строит производные таблицы и проверяет конфигурацию.
// Вызывается ровно один раз, до передачи Config компонентам.
func (c *Config) Normalize() error {
	f := &c.Features
	if f.Combination == "" {
		f.Combination = CombinationNone
	}
	if f.AgingStorage == "" {
		f.AgingStorage = AgingStorageEntry
	}
	if f.Obd == "" {
		f.Obd = ObdNone
	}
	if f.Displacement.Fallback == "" {
		f.Displacement.Fallback = FallbackNone
	}
	if len(f.StorageTriggers) == 0 {
		f.StorageTriggers = []Trigger{TriggerFailed}
	}
	if len(f.UpdateTriggers) == 0 {
		f.UpdateTriggers = []Trigger{TriggerFailed}
	}
	if len(c.Memories) == 0 {
		return fmt.Errorf("конфигурация DEM: не задана ни одна память событий")
	}
	if c.IsObd() && c.ObdFreezeFrameSize == 0 {
		c.ObdFreezeFrameSize = 16
	}

	first := 0
	for i := range c.Memories {
		c.Memories[i].First = first
		first += c.Memories[i].Size
	}
	c.entryCount = first
	defaultMemory := c.Memories[0].ID
	if c.Memory(MemoryPrimary) != nil {
		defaultMemory = MemoryPrimary
	}

	maxID := EventID(0)
	for i := range c.Events {
		ev := &c.Events[i]
		if ev.ID > maxID {
			maxID = ev.ID
		}
		if ev.Memory == "" {
			ev.Memory = defaultMemory
		}
		if ev.ConfirmationThreshold == 0 {
			ev.ConfirmationThreshold = 1
		}
		ev.Group = -1
		ev.AgingCounterIndex = -1
	}
	c.byID = make([]*EventConfig, int(maxID)+1)
	for i := range c.Events {
		ev := &c.Events[i]
		if ev.ID == EventInvalid {
			return fmt.Errorf("конфигурация DEM: событие %q имеет недопустимый id 0", ev.Name)
		}
		if c.byID[ev.ID] != nil {
			return fmt.Errorf("конфигурация DEM: повторный id события %d", ev.ID)
		}
		c.byID[ev.ID] = ev
	}

	c.byJ1939 = make(map[J1939DTC]EventID)
	c.byJ1587 = make(map[J1587DTC]EventID)
	for i := range c.Events {
		ev := &c.Events[i]
		if ev.J1939 != nil {
			if prev, ok := c.byJ1939[*ev.J1939]; ok {
				return fmt.Errorf("конфигурация DEM: SPN %d FMI %d назначен событиям %d и %d", ev.J1939.SPN, ev.J1939.FMI, prev, ev.ID)
			}
			c.byJ1939[*ev.J1939] = ev.ID
		}
		if ev.J1587 != nil {
			if prev, ok := c.byJ1587[*ev.J1587]; ok {
				return fmt.Errorf("конфигурация DEM: MID %d PID %d FMI %d назначен событиям %d и %d", ev.J1587.MID, ev.J1587.PID, ev.J1587.FMI, prev, ev.ID)
			}
			c.byJ1587[*ev.J1587] = ev.ID
		}
	}

	if f.AgingStorage == AgingStorageIndependent {
		if c.AgingCounterSlots == 0 {
			c.AgingCounterSlots = len(c.Events)
		}
		next := 0
		for id := range c.byID {
			if c.byID[id] == nil {
				continue
			}
			c.byID[id].AgingCounterIndex = next
			next++
		}
	}

	for gi := range c.CombinedGroups {
		for _, id := range c.CombinedGroups[gi].Events {
			ev := c.Event(id)
			if ev == nil {
				return fmt.Errorf("конфигурация DEM: группа %d ссылается на неизвестное событие %d", c.CombinedGroups[gi].ID, id)
			}
			if ev.Group >= 0 {
				return fmt.Errorf("конфигурация DEM: событие %d входит в несколько групп", id)
			}
			ev.Group = gi
		}
	}

	return c.Validate()
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	f := c.Features
	switch f.Combination {
	case CombinationNone, CombinationType1, CombinationType2:
	default:
		return fmt.Errorf("конфигурация DEM: неизвестный тип комбинации %q", f.Combination)
	}
	if f.Combination == CombinationNone && len(c.CombinedGroups) > 0 {
		return fmt.Errorf("конфигурация DEM: заданы комбинированные группы, но комбинация выключена")
	}
	switch f.AgingStorage {
	case AgingStorageEntry, AgingStorageIndependent:
	default:
		return fmt.Errorf("конфигурация DEM: неизвестный способ хранения старения %q", f.AgingStorage)
	}
	switch f.Obd {
	case ObdNone, ObdII, ObdWWH, ObdOnUds:
	default:
		return fmt.Errorf("конфигурация DEM: неизвестный вариант OBD %q", f.Obd)
	}
	switch f.Displacement.Fallback {
	case FallbackNone, FallbackOldest:
	default:
		return fmt.Errorf("конфигурация DEM: неизвестный режим fallback %q", f.Displacement.Fallback)
	}
	for _, t := range append(append([]Trigger{}, f.StorageTriggers...), f.UpdateTriggers...) {
		switch t {
		case TriggerFailed, TriggerTFOC, TriggerConfirmed, TriggerPending, TriggerFdc:
		default:
			return fmt.Errorf("конфигурация DEM: неизвестный триггер %q", t)
		}
	}
	seen := make(map[MemoryID]bool, len(c.Memories))
	for _, m := range c.Memories {
		if m.Size <= 0 {
			return fmt.Errorf("конфигурация DEM: память %q должна иметь положительный размер", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("конфигурация DEM: повторная память %q", m.ID)
		}
		seen[m.ID] = true
	}
	for _, ev := range c.Events {
		if !seen[ev.Memory] {
			return fmt.Errorf("конфигурация DEM: событие %d ссылается на неизвестную память %q", ev.ID, ev.Memory)
		}
	}
	if f.AgingStorage == AgingStorageIndependent && c.AgingCounterSlots < len(c.Events) {
		return fmt.Errorf("конфигурация DEM: слотов старения %d меньше числа событий %d", c.AgingCounterSlots, len(c.Events))
	}
	if c.IsObd() && c.ObdFreezeFrameSlots <= 0 {
		return fmt.Errorf("конфигурация DEM: для OBD требуется хотя бы один слот freeze frame")
	}
	for _, g := range c.CombinedGroups {
		if len(g.Events) == 0 {
			return fmt.Errorf("конфигурация DEM: пустая группа %d", g.ID)
		}
		master := c.Event(g.Events[0])
		for _, id := range g.Events[1:] {
			if c.Event(id).Memory != master.Memory {
				return fmt.Errorf("конфигурация DEM: события группы %d хранятся в разных памятях", g.ID)
			}
		}
	}
	return nil
}

// EventCount возвращает верхнюю границу диапазона идентификаторов событий.
func (c *Config) EventCount() int {
	return len(c.byID)
}

// EntryCount возвращает общее число записей во всех памятях.
func (c *Config) EntryCount() int {
	return c.entryCount
}

// Event возвращает конфигурацию события или nil для недопустимого идентификатора.
func (c *Config) Event(id EventID) *EventConfig {
	if int(id) >= len(c.byID) {
		return nil
	}
	return c.byID[id]
}

// IsValidEvent проверяет идентификатор события.
func (c *Config) IsValidEvent(id EventID) bool {
	return c.Event(id) != nil
}

// Memory возвращает конфигурацию памяти по имени.
func (c *Config) Memory(id MemoryID) *MemoryConfig {
	for i := range c.Memories {
		if c.Memories[i].ID == id {
			return &c.Memories[i]
		}
	}
	return nil
}

// Group возвращает комбинированную группу события или nil.
func (c *Config) Group(id EventID) *CombinedGroup {
	ev := c.Event(id)
	if ev == nil || ev.Group < 0 || c.Features.Combination == CombinationNone {
		return nil
	}
	return &c.CombinedGroups[ev.Group]
}

// MasterEvent возвращает событие, которому принадлежит запись памяти DTC.
// Для комбинации Type-1 это первое событие группы, иначе само событие.
func (c *Config) MasterEvent(id EventID) EventID {
	if c.Features.Combination != CombinationType1 {
		return id
	}
	if g := c.Group(id); g != nil {
		return g.Events[0]
	}
	return id
}

// HasStorageTrigger проверяет, настроен ли триггер сохранения.
func (c *Config) HasStorageTrigger(t Trigger) bool {
	return hasTrigger(c.Features.StorageTriggers, t)
}

// HasUpdateTrigger проверяет, настроен ли триггер обновления.
func (c *Config) HasUpdateTrigger(t Trigger) bool {
	return hasTrigger(c.Features.UpdateTriggers, t)
}

func hasTrigger(list []Trigger, t Trigger) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

// IsObd сообщает, включен ли какой-либо вариант OBD.
func (c *Config) IsObd() bool {
	return c.Features.Obd != ObdNone
}

// IsWWHObd сообщает, включен ли WWH-OBD.
func (c *Config) IsWWHObd() bool {
	return c.Features.Obd == ObdWWH
}

// AgingIndependent сообщает, хранится ли счетчик старения вне записи.
func (c *Config) AgingIndependent() bool {
	return c.Features.AgingStorage == AgingStorageIndependent
}

// EventIDs возвращает все сконфигурированные идентификаторы по возрастанию.
func (c *Config) EventIDs() []EventID {
	ids := make([]EventID, 0, len(c.Events))
	for id := range c.byID {
		if c.byID[id] != nil {
			ids = append(ids, EventID(id))
		}
	}
	return ids
}

// EventByJ1939 находит событие по паре SPN/FMI из DM1.
func (c *Config) EventByJ1939(spn uint32, fmi uint8) (EventID, bool) {
	id, ok := c.byJ1939[J1939DTC{SPN: spn, FMI: fmi}]
	return id, ok
}

// EventByJ1587 находит событие по коду неисправности PID 194.
func (c *Config) EventByJ1587(code J1587DTC) (EventID, bool) {
	id, ok := c.byJ1587[code]
	return id, ok
}

// J1939Events возвращает события с привязкой к DM1, по возрастанию id.
func (c *Config) J1939Events() []EventID {
	var out []EventID
	for _, id := range c.EventIDs() {
		if c.byID[id].J1939 != nil {
			out = append(out, id)
		}
	}
	return out
}

// J1587Events возвращает события модуля mid с привязкой к PID 194.
func (c *Config) J1587Events(mid uint8) []EventID {
	var out []EventID
	for _, id := range c.EventIDs() {
		if j := c.byID[id].J1587; j != nil && j.MID == mid {
			out = append(out, id)
		}
	}
	return out
}
