// Пакет events — события жизненного цикла файлов.
// События публикуются в NATS JetStream (subject files.<type>);
// без настроенного NATS используется Noop.
package events

import (
	"context"
	"time"
)

// Типы событий.
const (
	TypeUploaded = "uploaded"
	TypeDeleted  = "deleted"
	TypeExpired  = "expired"
	TypeExpiring = "expiring"
)

// SubjectPrefix — префикс subject событий о файлах.
const SubjectPrefix = "files."

// Event — событие о записи файла.
type Event struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	RecordID   string     `json:"record_id"`
	OwnerID    string     `json:"owner_id"`
	Filename   string     `json:"filename"`
	Size       int64      `json:"size"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Subject возвращает subject NATS для события.
func (e Event) Subject() string {
	return SubjectPrefix + e.Type
}

// Publisher публикует события. Ошибка публикации не отменяет операцию,
// вызывающий только журналирует её.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop отбрасывает события.
type Noop struct{}

// Publish ничего не делает.
func (Noop) Publish(context.Context, Event) error { return nil }
