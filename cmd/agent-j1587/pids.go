package main

// J1587 Parameter IDs
const (
	PID_VEHICLE_SPEED         = 84
	PID_ENGINE_RPM            = 190
	PID_COOLANT_TEMP          = 110
	PID_OIL_PRESSURE          = 100
	PID_ENGINE_LOAD           = 91
	PID_FUEL_LEVEL            = 96
	PID_BATTERY_VOLTAGE       = 168
	PID_AMBIENT_TEMP          = 171
	PID_TOTAL_DISTANCE        = 245
	PID_ENGINE_HOURS          = 247
	PID_ACTIVE_DTC            = 194
	PID_PREVIOUSLY_ACTIVE_DTC = 195
	PID_COMMAND_CLEAR_DTCS    = 250 // Условный PID для команды сброса DTC
)

// Биты символа кода (code character) в PID 194
const (
	codeCharOccurrence = 0x80 // за кодом следует счетчик появлений
	codeCharInactive   = 0x40
	codeCharExtended   = 0x20 // PID/SID из расширенной страницы (256-511)
	codeCharSID        = 0x10
	codeCharFMIMask    = 0x0F
)
