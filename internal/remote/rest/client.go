// Package rest talks to a document backend over its HTTP API: document
// routes for single writes, the replication push route for batches and the
// pull route for change polling.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPullLimit    = 200
)

// ErrTokenExpired is returned without contacting the server once the bearer
// token's exp claim has passed. Writes stay queued until SetToken is called.
var ErrTokenExpired = fmt.Errorf("bearer token expired: %w", model.ErrOffline)

type Options struct {
	BaseURL  string
	Database string
	Token    string
	// PollInterval is the pull cadence used by Watch.
	PollInterval time.Duration
	MaxBatchSize int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Store implements types.Store over HTTP.
type Store struct {
	baseURL      string
	database     string
	pollInterval time.Duration
	maxBatch     int
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

func New(opts Options) (*Store, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme: %s (must be http or https)", u.Scheme)
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = types.DefaultMaxBatchSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		database:     opts.Database,
		pollInterval: opts.PollInterval,
		maxBatch:     opts.MaxBatchSize,
		httpClient:   opts.HTTPClient,
		logger:       opts.Logger.With("component", "remote-rest"),
		now:          time.Now,
	}
	s.SetToken(opts.Token)
	return s, nil
}

// SetToken replaces the bearer token. Tokens that parse as JWTs have their
// expiry checked before each request; the signature is the server's concern.
func (s *Store) SetToken(token string) {
	var expiry time.Time
	if token != "" {
		claims := &jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil && claims.ExpiresAt != nil {
			expiry = claims.ExpiresAt.Time
		}
	}
	s.mu.Lock()
	s.token = token
	s.expiry = expiry
	s.mu.Unlock()
}

func (s *Store) bearer() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.expiry.IsZero() && !s.now().Before(s.expiry) {
		return "", ErrTokenExpired
	}
	return s.token, nil
}

func (s *Store) documentURL(collection, id string) string {
	u := fmt.Sprintf("%s/api/v1/databases/%s/documents/%s", s.baseURL, url.PathEscape(s.database), url.PathEscape(collection))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (s *Store) replicationURL(op string) string {
	return fmt.Sprintf("%s/replication/v1/databases/%s/%s", s.baseURL, url.PathEscape(s.database), op)
}

type documentBody struct {
	Doc model.Document `json:"doc"`
}

func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, s.baseURL+"/health", nil, nil)
}

func (s *Store) Get(ctx context.Context, collection, id string) (model.Document, error) {
	var doc model.Document
	if err := s.do(ctx, http.MethodGet, s.documentURL(collection, id), nil, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = model.Document{}
	}
	if doc.GetID() == "" {
		doc.SetID(id)
	}
	return doc, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	doc := model.Document(data).Clone()
	if doc == nil {
		doc = model.Document{}
	}
	doc.SetID(id)
	return s.do(ctx, http.MethodPut, s.documentURL(collection, id), documentBody{Doc: doc}, nil)
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	doc := model.Document(data).WithoutID()
	if doc == nil {
		doc = model.Document{}
	}
	var created model.Document
	if err := s.do(ctx, http.MethodPost, s.documentURL(collection, ""), documentBody{Doc: doc}, &created); err != nil {
		return "", err
	}
	id := created.GetID()
	if id == "" {
		return "", fmt.Errorf("server returned no document id")
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return s.do(ctx, http.MethodPatch, s.documentURL(collection, id), documentBody{Doc: model.Document(data).WithoutID()}, nil)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	err := s.do(ctx, http.MethodDelete, s.documentURL(collection, id), nil, nil)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) Close(_ context.Context) error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// do performs an HTTP request with a JSON body and decodes a JSON result.
func (s *Store) do(ctx context.Context, method, urlStr string, body interface{}, result interface{}) error {
	token, err := s.bearer()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if model.IsCanceled(err) && ctx.Err() != nil {
			return model.WrapError(ctx.Err())
		}
		return fmt.Errorf("%w: request failed: %v", model.ErrOffline, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", model.ErrOffline, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(&HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)})
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}
