// ratelimit.go — ограничение частоты запросов по пользователю.
package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/filevault/internal/api/errors"
	"github.com/bigkaa/filevault/internal/ratelimit"
)

// RateLimit ограничивает запросы одного пользователя. scope отделяет
// счётчики разных endpoints. При ошибке лимитера запрос отклоняется.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RateLimit(limiter ratelimit.Limiter, scope string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				apierrors.Unauthorized(w, "Требуется аутентификация")
				return
			}

			res, err := limiter.Allow(r.Context(), scope+":"+actor.UserID)
			if err != nil {
				logger.Error("Ошибка лимитера",
					slog.String("scope", scope),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Лимитер недоступен")
				return
			}
			if !res.Allowed {
				seconds := int(math.Ceil(res.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
				apierrors.RateLimited(w, "Слишком много попыток, повторите позже")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
