package health

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// IdempotencyKeyHeader lets clients retry a purchase submission without queueing it twice
const IdempotencyKeyHeader = "Idempotency-Key"

const defaultIdempotencyTTL = 24 * time.Hour

var errKeyConflict = errors.New("idempotency key already used for a different request body")

type cachedResponse struct {
	bodyHash   string
	done       bool
	statusCode int
	body       []byte
	createdAt  time.Time
}

// idempotencyCache remembers the response of each keyed request until its ttl expires
type idempotencyCache struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*cachedResponse
	ttl     time.Duration
	now     func() time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	c := &idempotencyCache{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// acquire returns the cached response for key, or nil when the caller must handle the request.
// A request whose key is in flight waits for the first one to finish.
func (c *idempotencyCache) acquire(key, bodyHash string) (*cachedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	for {
		entry, ok := c.entries[key]
		if !ok {
			c.entries[key] = &cachedResponse{bodyHash: bodyHash, createdAt: c.now()}
			return nil, nil
		}
		if entry.bodyHash != bodyHash {
			return nil, errKeyConflict
		}
		if entry.done {
			return entry, nil
		}
		c.cond.Wait()
	}
}

// complete stores a successful response. Failed requests release the key so the client can retry.
func (c *idempotencyCache) complete(key string, statusCode int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if statusCode < 200 || statusCode >= 300 {
		delete(c.entries, key)
	} else if entry, ok := c.entries[key]; ok {
		entry.done = true
		entry.statusCode = statusCode
		entry.body = body
	}
	c.cond.Broadcast()
}

func (c *idempotencyCache) sweepLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if entry.done && now.Sub(entry.createdAt) > c.ttl {
			delete(c.entries, key)
		}
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.body.Write(b)
	return rr.ResponseWriter.Write(b)
}

// idempotent replays the stored response for a repeated Idempotency-Key.
// Requests without the header pass through.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			next(w, r)
			return
		}

		rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(rawBody))

		sum := sha256.Sum256(rawBody)
		cached, err := s.idempotency.acquire(key, hex.EncodeToString(sum[:]))
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache-Hit", "true")
			w.WriteHeader(cached.statusCode)
			_, _ = w.Write(cached.body)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		completed := false
		defer func() {
			if completed {
				return
			}
			// the handler panicked, waiting requests must not block on the key forever
			s.idempotency.complete(key, http.StatusInternalServerError, nil)
			rec := recover()
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("Purchase handler panicked for idempotency key %s: %v", key, rec)
			writeError(w, http.StatusInternalServerError, "internal error")
		}()
		next(recorder, r)
		completed = true
		s.idempotency.complete(key, recorder.statusCode, recorder.body.Bytes())
	}
}
