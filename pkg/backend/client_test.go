package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIntent = models.IntentID{0xde, 0xad, 15: 0x01}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "", 100, &logger.EmptyLogger{})
}

func TestFetchSignatureStatus(t *testing.T) {
	t.Run("signed", func(t *testing.T) {
		var path string
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			assert.Empty(t, r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"intent_id":"0xdead0000000000000000000000000001","status":"signed","signature":"0xabcd"}`))
		})

		status, err := client.FetchSignatureStatus(context.Background(), testIntent)
		require.NoError(t, err)
		assert.Equal(t, "/api/v1/intents/0xdead0000000000000000000000000001/signature", path)
		assert.True(t, status.IsSigned())
		assert.Equal(t, "0xabcd", status.Signature)
	})

	t.Run("ready for signing", func(t *testing.T) {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"ready_for_signing","intent_hash":"0x01","deadline":1700000000}`))
		})

		status, err := client.FetchSignatureStatus(context.Background(), testIntent)
		require.NoError(t, err)
		assert.Equal(t, models.SignatureReadyForSigning, status.Status)
		assert.Equal(t, int64(1700000000), status.Deadline)
		assert.Equal(t, testIntent.Hex(), status.IntentID)
		assert.False(t, status.IsSigned())
	})

	t.Run("not found is pending", func(t *testing.T) {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})

		status, err := client.FetchSignatureStatus(context.Background(), testIntent)
		require.NoError(t, err)
		assert.Equal(t, models.SignaturePending, status.Status)
	})

	t.Run("server error", func(t *testing.T) {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		})

		_, err := client.FetchSignatureStatus(context.Background(), testIntent)
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	})

	t.Run("client error is not held against the backend", func(t *testing.T) {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad id", http.StatusBadRequest)
		})

		monitor := healthmonitor.NewMonitor(healthmonitor.DefaultConfig(), "", &logger.EmptyLogger{})
		err := monitor.MakeMonitoredRequest(context.Background(), func(ctx context.Context) error {
			_, err := client.FetchSignatureStatus(ctx, testIntent)
			return err
		})

		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
		assert.Equal(t, 0, monitor.GetMetrics().ConsecutiveFailures)
	})

	t.Run("malformed body", func(t *testing.T) {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		})

		_, err := client.FetchSignatureStatus(context.Background(), testIntent)
		assert.Error(t, err)
	})

	t.Run("signed without signature", func(t *testing.T) {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"signed"}`))
		})

		_, err := client.FetchSignatureStatus(context.Background(), testIntent)
		assert.Error(t, err)
	})

	t.Run("answer for another intent", func(t *testing.T) {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"intent_id":"0xffff0000000000000000000000000001","status":"pending"}`))
		})

		_, err := client.FetchSignatureStatus(context.Background(), testIntent)
		assert.Error(t, err)
	})
}

func TestBearerToken(t *testing.T) {
	secret := "s3cret"
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, secret, 100, &logger.EmptyLogger{})
	_, err := client.FetchSignatureStatus(context.Background(), testIntent)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(header, "Bearer "))
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	assert.True(t, token.Valid)
	assert.Equal(t, "HS256", token.Method.Alg())
	assert.Equal(t, testIntent.Hex(), claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(tokenLifetime), claims.ExpiresAt.Time, 5*time.Second)
}

func TestRateLimiterHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()

	// one request every 10s, the burst is spent by the first call
	client := New(srv.URL, "", 0.1, &logger.EmptyLogger{})
	_, err := client.FetchSignatureStatus(context.Background(), testIntent)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.FetchSignatureStatus(ctx, testIntent)
	assert.Error(t, err)
}

func TestHealthURL(t *testing.T) {
	client := New("https://backend.example.com/", "", 1, &logger.EmptyLogger{})
	assert.Equal(t, "https://backend.example.com/api/health", client.HealthURL())
}
