// Пакет clock — источник текущего времени и ключ суточного окна квот.
package clock

import "time"

// DateKeyLayout — формат ключа суток (UTC).
const DateKeyLayout = "2006-01-02"

// Clock — источник текущего времени. Подменяется в тестах.
type Clock interface {
	Now() time.Time
}

// System — системные часы, всегда в UTC.
type System struct{}

// Now возвращает текущее время в UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Func адаптирует функцию к интерфейсу Clock.
type Func func() time.Time

// Now вызывает f.
func (f Func) Now() time.Time {
	return f()
}

// DateKey возвращает ключ календарных суток UTC для момента t.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateKeyLayout)
}

// StartOfDay возвращает начало суток UTC, в которые попадает t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextReset возвращает момент следующего сброса суточных квот.
func NextReset(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}
