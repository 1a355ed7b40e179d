// Package ratelimit реализует ограничение числа запросов с фиксированным окном.
//
// Счётчики хранятся за интерфейсом Store: в памяти процесса для одного экземпляра
// или в Redis, когда несколько экземпляров должны делить лимит.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store атомарно увеличивает счётчик ключа в окне и возвращает его значение и момент сброса.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Rule задаёт лимит запросов на окно.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Result описывает решение ограничителя.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter применяет правило к ключам через хранилище.
type Limiter struct {
	store Store
	rule  Rule
	scope string
	now   func() time.Time
}

// New создаёт ограничитель для области scope, например "checkout".
func New(store Store, scope string, rule Rule) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limiter store is nil")
	}
	if rule.Limit <= 0 || rule.Window <= 0 {
		return nil, fmt.Errorf("rate limiter %s: limit and window must be positive", scope)
	}
	return &Limiter{store: store, rule: rule, scope: scope, now: time.Now}, nil
}

// Scope возвращает область ограничителя.
func (l *Limiter) Scope() string {
	return l.scope
}

// Allow учитывает запрос от identity и решает, пропускать ли его.
func (l *Limiter) Allow(ctx context.Context, identity string) (*Result, error) {
	count, resetAt, err := l.store.Incr(ctx, l.scope+":"+identity, l.rule.Window)
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", l.scope, err)
	}

	res := &Result{
		Allowed:   count <= int64(l.rule.Limit),
		Limit:     l.rule.Limit,
		Remaining: l.rule.Limit - int(count),
		ResetTime: resetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(l.now())
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res, nil
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore хранит счётчики в памяти процесса.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	hits    int
}

// NewMemoryStore создаёт хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Incr увеличивает счётчик ключа, открывая новое окно после сброса.
func (s *MemoryStore) Incr(_ context.Context, key string, d time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Периодически выбрасываем истёкшие окна, чтобы карта не росла бесконечно.
	s.hits++
	if s.hits%1000 == 0 {
		for k, w := range s.windows {
			if !now.Before(w.resetAt) {
				delete(s.windows, k)
			}
		}
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}
