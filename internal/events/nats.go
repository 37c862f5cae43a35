package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig — параметры публикации в JetStream.
type NATSConfig struct {
	URL    string
	Stream string
	// MaxAge — срок хранения событий в потоке
	MaxAge time.Duration
}

// NATSPublisher публикует события в поток JetStream.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	logger *slog.Logger
}

// ConnectNATS подключается к NATS и создаёт (или обновляет) поток событий.
func ConnectNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With(slog.String("component", "events"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name("filevault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS: соединение потеряно", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS: соединение восстановлено", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS: соединение закрыто")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ошибка инициализации JetStream: %w", err)
	}

	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 7 * 24 * time.Hour
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "События жизненного цикла файлов",
		Subjects:    []string{SubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		MaxAge:      maxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ошибка создания потока %s: %w", cfg.Stream, err)
	}

	logger.Info("Публикация событий в NATS включена",
		slog.String("url", cfg.URL),
		slog.String("stream", cfg.Stream),
	)
	return &NATSPublisher{nc: nc, js: js, stream: cfg.Stream, logger: logger}, nil
}

// Publish публикует событие. ID события служит Nats-Msg-Id
// для дедупликации повторных публикаций на стороне JetStream.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	ack, err := p.js.Publish(ctx, e.Subject(), data, jetstream.WithMsgID(e.ID))
	if err != nil {
		return fmt.Errorf("ошибка публикации события %s: %w", e.Subject(), err)
	}

	p.logger.Debug("Событие опубликовано",
		slog.String("subject", e.Subject()),
		slog.String("record_id", e.RecordID),
		slog.Uint64("sequence", ack.Sequence),
	)
	return nil
}

// Close закрывает соединение с NATS после отправки буферов.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// Name — имя зависимости в ответе /health/ready.
func (p *NATSPublisher) Name() string { return "nats" }

// CheckReady проверяет состояние соединения.
func (p *NATSPublisher) CheckReady() (status string, message string) {
	if !p.nc.IsConnected() {
		return "fail", fmt.Sprintf("NATS: %s", p.nc.Status())
	}
	return "ok", p.nc.ConnectedUrl()
}
