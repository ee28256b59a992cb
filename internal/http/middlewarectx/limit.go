package middlewarectx

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"github.com/Fllarpell/btrainer/internal/http/response"
)

// ExternalIDHeader заголовок, в котором транспорт передаёт идентификатор пользователя в Telegram.
const ExternalIDHeader = "X-External-ID"

// defaultIdleTTL после такого простоя лимитер пользователя удаляется.
const defaultIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter хранит отдельный лимитер на каждого пользователя. Лимитеры, которые
// не использовались дольше idleTTL, удаляются.
type Limiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// LimiterOption настройка Limiter.
type LimiterOption func(*Limiter)

// WithIdleTTL задаёт время простоя, после которого лимитер удаляется.
func WithIdleTTL(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		if d > 0 {
			l.idleTTL = d
		}
	}
}

// WithLimiterClock подменяет источник времени.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter создаёт Limiter: limit запросов в секунду, burst всплеск.
func NewLimiter(limit float64, burst int, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(limit),
		burst:    burst,
		idleTTL:  defaultIdleTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Allow сообщает, можно ли пропустить ещё один запрос для identity.
func (l *Limiter) Allow(identity string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.evictLocked(now)
	}
	v, ok := l.visitors[identity]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[identity] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Len возвращает число отслеживаемых пользователей.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter) evictLocked(now time.Time) {
	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.idleTTL {
			delete(l.visitors, id)
		}
	}
	l.lastSweep = now
}

// RateLimitMiddleware ограничивает частоту запросов отдельно для каждого пользователя.
func RateLimitMiddleware(l *Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityOf(r)
			if !l.Allow(identity) {
				log.Warn("too many requests", slog.String("identity", identity))
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, response.Error("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identityOf выбирает ключ лимита: идентификатор из токена, заголовок транспорта или адрес клиента.
func identityOf(r *http.Request) string {
	if id, ok := r.Context().Value(ExternalID).(int64); ok && id != 0 {
		return "ext:" + strconv.FormatInt(id, 10)
	}
	if h := r.Header.Get(ExternalIDHeader); h != "" {
		if id, err := strconv.ParseInt(h, 10, 64); err == nil {
			return "ext:" + strconv.FormatInt(id, 10)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
