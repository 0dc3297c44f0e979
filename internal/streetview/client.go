package streetview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/ratelimit"
)

const (
	// Per-call timeouts
	SessionTimeout = 15 * time.Second
	ResolveTimeout = 20 * time.Second
	TileTimeout    = 10 * time.Second

	// User agent
	UserAgent = "StreetViewDownloader/1.0"
)

// Location is one lat/lng pair sent to the pano ID lookup
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Session is the process-scoped credential returned by createSession
type Session struct {
	Token     string
	CreatedAt time.Time
}

// ClientConfig configures a Client
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Radius     int
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	RateLimits *ratelimit.Handler
	Logger     *slog.Logger
}

// Client handles communication with the Street View tile API
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	radius     int
	limiter    *ratelimit.Limiter
	rateLimits *ratelimit.Handler
	logger     *slog.Logger
}

// NewClient creates a new API client with system proxy support
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 32,
			},
		}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = common.DefaultAPIBaseURL
	}
	radius := cfg.Radius
	if radius <= 0 {
		radius = common.DefaultSearchRadius
	}
	rateLimits := cfg.RateLimits
	if rateLimits == nil {
		rateLimits = ratelimit.NewHandler(cfg.Logger)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		radius:     radius,
		limiter:    cfg.Limiter,
		rateLimits: rateLimits,
		logger:     logging.Component(cfg.Logger, "streetview"),
	}
}

// RateLimits exposes the 429 tracker
func (c *Client) RateLimits() *ratelimit.Handler {
	return c.rateLimits
}

// do sends one request and reads the whole body within timeout. A non-nil
// error means no complete response was received.
func (c *Client) do(ctx context.Context, endpoint, method, rawURL string, payload interface{}, timeout time.Duration) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.rateLimits.Observe(endpoint, resp.StatusCode)
	return resp.StatusCode, data, nil
}

func (c *Client) endpointURL(path string, query url.Values) string {
	return c.baseURL + path + "?" + query.Encode()
}

// CreateSession obtains a session token. There is no retry: every failure
// is returned to the caller, who is expected to abort the run.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	payload := map[string]string{
		"mapType":  "streetview",
		"language": "en-US",
		"region":   "US",
	}
	rawURL := c.endpointURL("/v1/createSession", url.Values{"key": {c.apiKey}})

	status, body, err := c.do(ctx, common.EndpointSession, http.MethodPost, rawURL, payload, SessionTimeout)
	if err != nil {
		return Session{}, &APIError{Endpoint: common.EndpointSession, Kind: KindForTransportError(err), Err: err}
	}
	if status != http.StatusOK {
		return Session{}, &APIError{
			Endpoint:   common.EndpointSession,
			Kind:       KindForStatus(status),
			StatusCode: status,
			Body:       truncateBody(body),
		}
	}

	var parsed struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrNoSessionToken, err)
	}
	if parsed.Session == "" {
		return Session{}, ErrNoSessionToken
	}

	c.logger.Info("session created", "token", logging.TokenPrefix(parsed.Session))
	return Session{Token: parsed.Session, CreatedAt: time.Now()}, nil
}

// ResolvePanoIDs looks up the pano ID of every location in one request. The
// result has exactly len(locations) entries; "" marks a location without
// imagery. Alignment is positional: the API is assumed to answer in request
// order.
func (c *Client) ResolvePanoIDs(ctx context.Context, session string, locations []Location) ([]string, error) {
	if len(locations) == 0 {
		return nil, nil
	}

	payload := struct {
		Locations []Location `json:"locations"`
		Radius    int        `json:"radius"`
	}{Locations: locations, Radius: c.radius}
	rawURL := c.endpointURL("/v1/streetview/panoIds", url.Values{
		"session": {session},
		"key":     {c.apiKey},
	})

	status, body, err := c.do(ctx, common.EndpointPanoIDs, http.MethodPost, rawURL, payload, ResolveTimeout)
	if err != nil {
		return nil, &APIError{Endpoint: common.EndpointPanoIDs, Kind: KindForTransportError(err), Err: err}
	}
	if status != http.StatusOK {
		return nil, &APIError{
			Endpoint:   common.EndpointPanoIDs,
			Kind:       KindForStatus(status),
			StatusCode: status,
			Body:       truncateBody(body),
		}
	}

	var parsed struct {
		PanoIDs []*string `json:"panoIds"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &APIError{
			Endpoint:   common.EndpointPanoIDs,
			Kind:       common.KindPanoIDJSONParse,
			StatusCode: status,
			Body:       truncateBody(body),
			Err:        err,
		}
	}

	if n := len(parsed.PanoIDs); n != len(locations) {
		c.logger.Warn("pano ID count does not match request; aligning by position",
			"requested", len(locations), "returned", n)
	}

	ids := make([]string, len(locations))
	for i := range ids {
		if i < len(parsed.PanoIDs) && parsed.PanoIDs[i] != nil {
			ids[i] = strings.TrimSpace(*parsed.PanoIDs[i])
		}
	}
	return ids, nil
}

// fetchTileOnce performs one GET of one tile. A non-nil error is a transport
// failure; any HTTP status is returned as is.
func (c *Client) fetchTileOnce(ctx context.Context, session, panoID string, zoom int, coord common.TileCoord) (int, []byte, error) {
	path := fmt.Sprintf("/v1/streetview/tiles/%d/%d/%d", zoom, coord.Col, coord.Row)
	rawURL := c.endpointURL(path, url.Values{
		"session": {session},
		"key":     {c.apiKey},
		"panoId":  {panoID},
	})
	return c.do(ctx, common.EndpointTiles, http.MethodGet, rawURL, nil, TileTimeout)
}
