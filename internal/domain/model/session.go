package model

import "time"

// SessionToken — секрет пользователя и окно подтверждённой сессии.
// Хранится в таблице session_tokens.
type SessionToken struct {
	UserID string
	// SecretHash — bcrypt-хэш секрета
	SecretHash []byte
	// VerifiedUntil — окончание подтверждённой сессии (nil — не подтверждена)
	VerifiedUntil *time.Time
	UpdatedAt     time.Time
}

// IsActive проверяет, действует ли сессия на момент now.
func (s *SessionToken) IsActive(now time.Time) bool {
	return s.VerifiedUntil != nil && now.Before(*s.VerifiedUntil)
}

// SessionStatus — состояние сессии для вызывающего слоя.
type SessionStatus struct {
	HasToken      bool
	Active        bool
	VerifiedUntil *time.Time
}
