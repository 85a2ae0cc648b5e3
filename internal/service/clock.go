package service

import "time"

// Clock - источник времени для окон редактирования, отката и повторов
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func RealClock() Clock { return realClock{} }
