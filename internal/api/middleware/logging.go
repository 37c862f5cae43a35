// logging.go — журнал доступа: одна запись slog на каждый HTTP-запрос.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type accessKey struct{}

// accessEntry заполняется по ходу обработки запроса внутренними middleware.
// Аутентификация работает с производным запросом, поэтому пользователь
// передаётся наружу через этот указатель, а не через контекст.
type accessEntry struct {
	userID string
}

// noteActor сообщает журналу доступа, от чьего имени выполняется запрос.
func noteActor(ctx context.Context, userID string) {
	if e, ok := ctx.Value(accessKey{}).(*accessEntry); ok {
		e.userID = userID
	}
}

// statusOf возвращает итоговый статус; 0 значит, что обработчик
// ничего не записал и net/http ответит 200.
func statusOf(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RequestLogger пишет в журнал метод, шаблон маршрута, статус, объём
// ответа и пользователя. 4xx — WARN, 5xx — ERROR.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := &accessEntry{}
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			began := time.Now()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), accessKey{}, entry)))

			status := statusOf(ww)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", normalizePath(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(began)),
			}
			if entry.userID != "" {
				attrs = append(attrs, slog.String("user_id", entry.userID))
			}
			logger.LogAttrs(r.Context(), levelFor(status), "Запрос обработан", attrs...)
		})
	}
}
