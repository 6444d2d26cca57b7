// Package lock реализует неблокирующие блокировки расчёта по получателю.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release снимает ранее захваченную блокировку.
type Release func()

// MemoryLocker блокировки в пределах одного процесса.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker создаёт блокировщик в памяти.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock захватывает блокировку key, если она свободна.
func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Удаляет ключ, только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker блокировки между экземплярами хаба на Redis SET NX.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker создаёт блокировщик; ttl ограничивает время жизни блокировки упавшего экземпляра.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func redisKey(key string) string {
	return "lock:settlement:" + key
}

// TryLock захватывает блокировку key, если её не держит другой экземпляр.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (Release, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey(key), token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{redisKey(key)}, token).Err()
		})
	}, true, nil
}
