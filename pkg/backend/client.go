// Package backend provides a client for the signing backend that issues intent signatures.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/healthmonitor"
	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/time/rate"
)

const (
	// tokenLifetime is the validity of the bearer tokens minted per request
	tokenLifetime = 5 * time.Minute

	tokenIssuer = "commerce-relayer"
)

// StatusError is returned for non-2xx answers other than 404
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Client represents a signing backend client
type Client struct {
	endpoint   string
	jwtSecret  []byte
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     logger.Logger
	now        func() time.Time
}

// New creates a new backend client. requestsPerSecond limits the outgoing request rate;
// an empty jwtSecret sends requests without an Authorization header.
func New(endpoint, jwtSecret string, requestsPerSecond float64, logger logger.Logger) *Client {
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		httpClient: createHTTPClient(),
		logger:     logger,
		now:        time.Now,
	}
	if jwtSecret != "" {
		c.jwtSecret = []byte(jwtSecret)
	}
	return c
}

// HealthURL returns the URL of the backend health endpoint
func (c *Client) HealthURL() string {
	return c.endpoint + "/api/health"
}

// FetchSignatureStatus gets the signing status of an intent.
// A 404 means the backend has not seen the intent yet and is reported as pending.
// 4xx answers are wrapped with healthmonitor.ClientError since they prove the backend is reachable.
func (c *Client) FetchSignatureStatus(ctx context.Context, intentID models.IntentID) (*models.SignatureStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/intents/%s/signature", c.endpoint, intentID.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req, intentID); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signature status: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("Failed to close response body: %v", closeErr)
		}
	}()

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("Backend has no signing request for intent %s yet", intentID)
		return &models.SignatureStatus{IntentID: intentID.Hex(), Status: models.SignaturePending}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, healthmonitor.ClientError(statusErr)
		}
		return nil, statusErr
	}

	var status models.SignatureStatus
	if err := json.Unmarshal(bodyBytes, &status); err != nil {
		return nil, fmt.Errorf("failed to decode signature status: %w, body: %s", err, string(bodyBytes))
	}
	if status.IntentID != "" && !strings.EqualFold(status.IntentID, intentID.Hex()) {
		return nil, fmt.Errorf("backend answered for intent %s, asked for %s", status.IntentID, intentID)
	}
	if status.Status == models.SignatureSigned && status.Signature == "" {
		return nil, fmt.Errorf("backend reported intent %s signed without a signature", intentID)
	}
	status.IntentID = intentID.Hex()

	return &status, nil
}

// authorize attaches a short-lived HS256 bearer token scoped to the intent
func (c *Client) authorize(req *http.Request, intentID models.IntentID) error {
	if c.jwtSecret == nil {
		return nil
	}

	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   intentID.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
	if err != nil {
		return fmt.Errorf("failed to sign backend token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
