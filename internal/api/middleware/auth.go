// auth.go — JWT middleware для аутентификации и авторизации.
// Два режима проверки подписи: общий секрет (HS256) или JWKS (RS256).
// Claims: sub, roles (массив строк) или realm_access.roles (Keycloak).
// Публичные endpoints (health, metrics) — без аутентификации.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/filevault/internal/api/errors"
	"github.com/bigkaa/filevault/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyActor — ключ для model.Actor в контексте запроса.
const ContextKeyActor contextKey = "actor"

// AdminRole — роль администратора в JWT.
const AdminRole = "admin"

// Claims — JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// HasRole проверяет роль в обоих форматах.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role) || slices.Contains(c.RealmAccess.Roles, role)
}

// AccessPolicy — списки доступа из конфигурации.
type AccessPolicy interface {
	IsAdmin(userID string) bool
	IsAllowed(userID string) bool
}

// JWTAuthConfig — параметры для создания JWT middleware.
type JWTAuthConfig struct {
	// Общий секрет HS256
	Secret string
	// URL JWKS endpoint (RS256)
	JWKSURL string
	// Ожидаемый issuer (пусто — не проверяется)
	Issuer string
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	Leeway time.Duration
}

// JWTAuth — middleware JWT-аутентификации.
type JWTAuth struct {
	keyFunc jwt.Keyfunc
	methods []string
	issuer  string
	leeway  time.Duration
	policy  AccessPolicy
	logger  *slog.Logger
}

// NewJWTAuth создаёт JWT middleware. Ровно один из Secret и JWKSURL
// должен быть задан.
func NewJWTAuth(cfg JWTAuthConfig, policy AccessPolicy, logger *slog.Logger) (*JWTAuth, error) {
	logger = logger.With(slog.String("component", "jwt_auth"))

	if cfg.Secret != "" {
		secret := []byte(cfg.Secret)
		return &JWTAuth{
			keyFunc: func(*jwt.Token) (any, error) { return secret, nil },
			methods: []string{"HS256"},
			issuer:  cfg.Issuer,
			leeway:  cfg.Leeway,
			policy:  policy,
			logger:  logger,
		}, nil
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("не задан ни секрет, ни JWKS URL")
	}

	// NoErrorReturnFirstHTTPReq позволяет стартовать даже если JWKS endpoint
	// ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: cfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}
	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	return NewJWTAuthWithKeyfunc(k, cfg.Issuer, cfg.Leeway, policy, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт RS256 middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, leeway time.Duration, policy AccessPolicy, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		keyFunc: kf.Keyfunc,
		methods: []string{"RS256"},
		issuer:  issuer,
		leeway:  leeway,
		policy:  policy,
		logger:  logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Проверяет подпись, exp/nbf и списки доступа, помещает model.Actor
// в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			opts := []jwt.ParserOption{
				jwt.WithValidMethods(j.methods),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				opts = append(opts, jwt.WithIssuer(j.issuer))
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, j.keyFunc, opts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			actor := model.Actor{
				UserID:  subject,
				IsAdmin: claims.HasRole(AdminRole) || (j.policy != nil && j.policy.IsAdmin(subject)),
			}
			if !actor.IsAdmin && j.policy != nil && !j.policy.IsAllowed(subject) {
				apierrors.Forbidden(w, "Доступ к сервису не разрешён")
				return
			}

			noteActor(r.Context(), actor.UserID)
			ctx := context.WithValue(r.Context(), ContextKeyActor, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin пропускает только администраторов.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			apierrors.Unauthorized(w, "Требуется аутентификация")
			return
		}
		if !actor.IsAdmin {
			apierrors.Forbidden(w, "Недостаточно прав: требуется роль admin")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ActorFromContext извлекает инициатора запроса из контекста.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(ContextKeyActor).(model.Actor)
	return actor, ok
}

// WithActor помещает инициатора в контекст. Используется в тестах handlers.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	noteActor(ctx, actor.UserID)
	return context.WithValue(ctx, ContextKeyActor, actor)
}
