// Package clock предоставляет абстракцию времени для тестируемой логики.
package clock

import "time"

// Clock возвращает текущее время. Используется везде, где от времени
// зависят решения (идемпотентность, блокировки, окна сверки).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem возвращает часы на основе time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type fixedClock struct {
	now time.Time
}

// NewFixed возвращает часы, всегда показывающие одно и то же время.
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}
