package common

// CommandType определяет тип команды от сервера.
type CommandType string

const (
	// CommandTypeClearDTCs предписывает сбросить активные коды неисправностей.
	CommandTypeClearDTCs CommandType = "clear_dtcs"
	// CommandTypeDisconnect отключает событие DEM.
	CommandTypeDisconnect CommandType = "disconnect_event"
	// CommandTypeReconnect подключает событие DEM обратно.
	CommandTypeReconnect CommandType = "reconnect_event"
	// CommandTypeReadDTC возвращает статус и запись DTC события.
	CommandTypeReadDTC CommandType = "read_dtc"
	// CommandTypeLockReadout защищает запись события от вытеснения на время чтения.
	CommandTypeLockReadout   CommandType = "lock_readout"
	CommandTypeUnlockReadout CommandType = "unlock_readout"
	// CommandTypeSuppress скрывает DTC события от внешних клиентов (enable=false снимает).
	CommandTypeSuppress CommandType = "suppress_dtc"
	// CommandTypeIndicator управляет пользовательским WIR события.
	CommandTypeIndicator CommandType = "set_indicator"
)

// ServerCommand представляет команду, полученную от сервера через MQTT.
type ServerCommand struct {
	ID     string        `json:"id,omitempty"`
	Type   CommandType   `json:"type"`
	Params CommandParams `json:"params,omitempty"`
}

// CommandParams содержит параметры для различных команд.
// Используйте указатели, чтобы опускать незаполненные поля в JSON.
type CommandParams struct {
	// TargetMID используется для команд, специфичных для модуля (например, J1587).
	// Это может быть идентификатор модуля (MID) для J1587 или адрес источника для J1939.
	TargetMID *byte `json:"target_mid,omitempty"`
	// SPN и FMI могут использоваться для более специфичных команд, связанных с DTC.
	SPN *int `json:"spn,omitempty"`
	FMI *int `json:"fmi,omitempty"`
	// EventID адресует событие DEM напрямую; без него очищаются все DTC.
	EventID *uint16 `json:"event_id,omitempty"`
	// Enable включает или выключает признак для suppress_dtc и set_indicator.
	Enable *bool `json:"enable,omitempty"`
	// Другие параметры для других команд
}

// CommandAck представляет подтверждение выполнения команды.
type CommandAck struct {
	CommandID string `json:"command_id"` // Идентификатор исходной команды, если есть
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}
