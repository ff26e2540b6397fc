// Package diag собирает нарушения контрактов ядра DEM.
//
// Нарушение контракта ("inconsistent state") не является ошибкой времени выполнения:
// вызывающая функция всегда возвращает безопасное значение по умолчанию,
// а отчет служит только для диагностики конфигурации.
package diag

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	inconsistentCount atomic.Uint64
	runtimeCheckCount atomic.Uint64
	developmentChecks atomic.Bool
)

// SetDevelopmentChecks включает проверки диапазонов индексов (аналог отладочной сборки).
func SetDevelopmentChecks(enabled bool) {
	developmentChecks.Store(enabled)
}

// DevelopmentChecks сообщает, включены ли проверки диапазонов.
func DevelopmentChecks() bool {
	return developmentChecks.Load()
}

// ReportInconsistentState фиксирует нарушение предусловия.
func ReportInconsistentState(format string, args ...any) {
	inconsistentCount.Add(1)
	file, line := caller()
	log.Error().
		Str("file", file).
		Int("line", line).
		Msgf("DEM: несогласованное состояние: %s", fmt.Sprintf(format, args...))
}

// RuntimeCheck проверяет индекс, вычисленный из таблиц конфигурации.
// Возвращает false, если проверка включена и не пройдена.
func RuntimeCheck(ok bool, what string) bool {
	if ok || !developmentChecks.Load() {
		return true
	}
	runtimeCheckCount.Add(1)
	file, line := caller()
	log.Error().
		Str("file", file).
		Int("line", line).
		Msgf("DEM: проверка времени выполнения не пройдена: %s", what)
	return false
}

// InconsistentStateCount возвращает число отчетов о несогласованном состоянии.
func InconsistentStateCount() uint64 {
	return inconsistentCount.Load()
}

// RuntimeCheckFailedCount возвращает число проваленных проверок диапазона.
func RuntimeCheckFailedCount() uint64 {
	return runtimeCheckCount.Load()
}

func caller() (string, int) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "?", 0
	}
	return filepath.Base(file), line
}
