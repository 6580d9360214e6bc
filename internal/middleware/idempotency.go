package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

type IdempotencyRecord struct {
	Status     int
	Body       []byte
	CreatedAt  time.Time
	Processing bool // a request holding this key has not finished yet
}

type IdempotencyStore interface {
	// GetOrLock returns (record, true) if the key is known and (nil, false)
	// if the caller now holds it.
	GetOrLock(key string) (*IdempotencyRecord, bool)
	Save(key string, status int, body []byte)
	Unlock(key string)
}

// InMemIdempotencyStore keeps replies for ttl. One keeper process serves
// the ops API, so process memory is enough.
type InMemIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]*IdempotencyRecord
}

func NewInMemIdempotencyStore(ttl time.Duration) *InMemIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemIdempotencyStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*IdempotencyRecord),
	}
}

func (s *InMemIdempotencyStore) GetOrLock(key string) (*IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok {
		if rec.Processing || now.Sub(rec.CreatedAt) < s.ttl {
			return rec, true
		}
	}
	s.records[key] = &IdempotencyRecord{Processing: true, CreatedAt: now}
	return nil, false
}

func (s *InMemIdempotencyStore) Save(key string, status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = &IdempotencyRecord{Status: status, Body: body, CreatedAt: s.now()}
}

func (s *InMemIdempotencyStore) Unlock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// IdempotencyMiddleware replays the stored reply for a repeated
// X-Idempotency-Key so a retried close never submits a second batch.
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		idemKey := c.GetHeader(HeaderIdempotencyKey)
		if idemKey == "" {
			c.Next()
			return
		}
		fullKey := c.FullPath() + ":" + c.Param("agent_id") + ":" + idemKey

		record, hit := store.GetOrLock(fullKey)
		if hit {
			if record.Processing {
				c.JSON(http.StatusConflict, gin.H{"error": "request in progress"})
				c.Abort()
				return
			}
			c.Data(record.Status, "application/json; charset=utf-8", record.Body)
			c.Abort()
			return
		}

		w := &responseBodyWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// Server errors stay retryable.
		if c.Writer.Status() < 500 {
			store.Save(fullKey, c.Writer.Status(), w.body)
		} else {
			store.Unlock(fullKey)
		}
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}
