package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultReplayTTL is how long a response stays replayable.
const DefaultReplayTTL = 24 * time.Hour

// CachedResponse is a stored response for Idempotency-Key replay.
type CachedResponse struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// ReplayStore keeps responses keyed by client idempotency key.
type ReplayStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp *CachedResponse) error
}

// MemoryReplayStore is a process-local ReplayStore. Expired entries are
// dropped on access.
type MemoryReplayStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryReplay
}

type memoryReplay struct {
	resp    *CachedResponse
	expires time.Time
}

func NewMemoryReplayStore(ttl time.Duration) *MemoryReplayStore {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &MemoryReplayStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryReplay)}
}

func (s *MemoryReplayStore) Get(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.resp, true, nil
}

func (s *MemoryReplayStore) Put(_ context.Context, key string, resp *CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = memoryReplay{resp: resp, expires: now.Add(s.ttl)}
	return nil
}

// RedisReplayStore shares replayable responses across instances.
type RedisReplayStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisReplayStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisReplayStore {
	if prefix == "" {
		prefix = "agentscm:replay:"
	}
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &RedisReplayStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisReplayStore) Get(ctx context.Context, key string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (s *RedisReplayStore) Put(ctx context.Context, key string, resp *CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err()
}

// replayedHeaders are the response headers worth replaying.
var replayedHeaders = []string{"Content-Type"}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first 2xx response for a POST that
// carries an Idempotency-Key. Keys are scoped by path. Store errors degrade
// to normal processing.
func IdempotencyMiddleware(store ReplayStore, onError func(error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" || len(key) > 255 {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.URL.Path + "|" + key

			cached, ok, err := store.Get(r.Context(), scoped)
			if err != nil && onError != nil {
				onError(err)
			}
			if ok {
				for k, vals := range cached.Header {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status < 200 || capture.status >= 300 {
				return
			}
			hdr := http.Header{}
			for _, h := range replayedHeaders {
				if v := w.Header().Get(h); v != "" {
					hdr.Set(h, v)
				}
			}
			resp := &CachedResponse{StatusCode: capture.status, Header: hdr, Body: capture.body.Bytes()}
			if err := store.Put(context.WithoutCancel(r.Context()), scoped, resp); err != nil && onError != nil {
				onError(err)
			}
		})
	}
}
