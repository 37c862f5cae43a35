package model

import "time"

// ShareGrant — код доступа к файлу.
// Хранится в таблице share_grants.
type ShareGrant struct {
	// Code — код в верхнем регистре
	Code      string
	RecordID  string
	CreatedBy string
	// SingleUse — код гасится при первом успешном claim
	SingleUse bool
	UseCount  int64
	CreatedAt time.Time
	// ExpiresAt — срок действия кода (nil — до удаления файла)
	ExpiresAt *time.Time
	// ConsumedAt — момент использования одноразового кода
	ConsumedAt *time.Time
}

// IsExpired проверяет, истёк ли срок действия кода на момент now.
func (g *ShareGrant) IsExpired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// IsConsumed сообщает, что одноразовый код уже использован.
func (g *ShareGrant) IsConsumed() bool {
	return g.ConsumedAt != nil
}
