// Package backend is the HTTP collaborator: session creation, room lookup,
// file links and rating posts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

var tracer = otel.Tracer("chat.internal.backend")

const (
	defaultUserAgent = "chat-session-engine/0.1"
	defaultRatingURL = "https://sendlike.xpdstlsecurity.org/chat/make/tip"
	defaultRatingKey = "3F785593-811C-4FB9-9FC2-EB40EFC99B1C"
)

// Config controls how the client behaves.
type Config struct {
	BaseURL    string
	RatingURL  string
	RatingKey  string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client wraps the chat backend endpoints.
type Client struct {
	baseURL    string
	ratingURL  string
	ratingKey  string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ratingURL := strings.TrimSpace(cfg.RatingURL)
	if ratingURL == "" {
		ratingURL = defaultRatingURL
	}
	ratingKey := cfg.RatingKey
	if ratingKey == "" {
		ratingKey = defaultRatingKey
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		baseURL:    baseURL,
		ratingURL:  ratingURL,
		ratingKey:  ratingKey,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// CreateSession asks for a new protocol id on the given channel.
func (c *Client) CreateSession(ctx context.Context, channelKey string) (string, error) {
	ctx, span := tracer.Start(ctx, "backend.create_session")
	defer span.End()

	if err := required("x-Canal", channelKey); err != nil {
		return "", err
	}
	data, err := c.invoke(ctx, http.MethodPost, c.endpoint("/PostGeraWebchatSession", nil),
		http.Header{"x-Canal": {channelKey}})
	if err != nil {
		recordError(span, err)
		return "", err
	}
	var resp struct {
		Protocol flexString `json:"protocolo"`
	}
	if err := decode(data, &resp); err != nil {
		recordError(span, err)
		return "", err
	}
	if resp.Protocol == "" {
		err := &BackendError{Endpoint: "PostGeraWebchatSession", Message: "protocolo ausente"}
		recordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("chat.protocol_id", string(resp.Protocol)))
	return string(resp.Protocol), nil
}

// GetRoomInfo looks up the room bound to the token/hash pair.
func (c *Client) GetRoomInfo(ctx context.Context, token, hash string) (*RoomInfo, error) {
	ctx, span := tracer.Start(ctx, "backend.get_room_info")
	defer span.End()

	data, err := c.invoke(ctx, http.MethodGet, c.endpoint("/GetInfoChat", nil),
		http.Header{"x-Token": {token}, "x-Hash": {hash}})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	var info RoomInfo
	if err := decode(data, &info); err != nil {
		recordError(span, err)
		return nil, err
	}
	return &info, nil
}

// RequestUploadLink asks for a presigned PUT URL for fileKey.
func (c *Client) RequestUploadLink(ctx context.Context, protocol, fileKey, mimeType string) (string, error) {
	ctx, span := tracer.Start(ctx, "backend.request_upload_link")
	defer span.End()

	for _, p := range [][2]string{{"x-Protocolo", protocol}, {"x-Arquivo", fileKey}, {"x-Type", mimeType}} {
		if err := required(p[0], p[1]); err != nil {
			return "", err
		}
	}
	data, err := c.invoke(ctx, http.MethodGet, c.endpoint("/SolicLinkArquivo", nil), http.Header{
		"x-Protocolo": {protocol},
		"x-Arquivo":   {fileKey},
		"x-Type":      {mimeType},
	})
	if err != nil {
		recordError(span, err)
		return "", err
	}
	u, err := decodeURL("SolicLinkArquivo", data)
	if err != nil {
		recordError(span, err)
	}
	return u, err
}

// RequestDownloadLink asks for a presigned GET URL for fileKey.
func (c *Client) RequestDownloadLink(ctx context.Context, protocol, fileKey string) (string, error) {
	ctx, span := tracer.Start(ctx, "backend.request_download_link")
	defer span.End()

	if err := required("x-Protocolo", protocol); err != nil {
		return "", err
	}
	if err := required("x-Arquivo", fileKey); err != nil {
		return "", err
	}
	data, err := c.invoke(ctx, http.MethodGet, c.endpoint("/RetornaUrlArquivo", nil), http.Header{
		"x-Protocolo": {protocol},
		"x-Arquivo":   {fileKey},
	})
	if err != nil {
		recordError(span, err)
		return "", err
	}
	u, err := decodeURL("RetornaUrlArquivo", data)
	if err != nil {
		recordError(span, err)
	}
	return u, err
}

// PostSessionRating submits end-of-session feedback. Exactly one of Stars or
// Demand must be set.
func (c *Client) PostSessionRating(ctx context.Context, r SessionRating) (*RatingResult, error) {
	ctx, span := tracer.Start(ctx, "backend.post_session_rating")
	defer span.End()

	if err := r.validate(); err != nil {
		return nil, err
	}
	header := http.Header{}
	if r.OmbID != "" {
		header.Set("x-OmbID", r.OmbID)
	} else {
		header.Set("x-protocolo", r.Protocol)
	}
	query := url.Values{}
	if r.Stars != "" {
		query.Set("x-Avaliacao", r.Stars)
	} else {
		query.Set("x-DemandaAtd", r.Demand)
	}
	data, err := c.invoke(ctx, http.MethodPost, c.endpoint("/PostAvaliacaoAtdFinalizado", query), header)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	var res RatingResult
	if err := decode(data, &res); err != nil {
		recordError(span, err)
		return nil, err
	}
	if res.Errors {
		err := &BackendError{Endpoint: "PostAvaliacaoAtdFinalizado", Message: res.Message}
		recordError(span, err)
		return &res, err
	}
	return &res, nil
}

// PostMessageRating sends a like (L), dislike (D) or removal (R) for one message.
func (c *Client) PostMessageRating(ctx context.Context, protocol, messageID string, tip RatingTip) error {
	ctx, span := tracer.Start(ctx, "backend.post_message_rating")
	defer span.End()
	span.SetAttributes(attribute.String("chat.message_id", messageID), attribute.String("chat.rating", string(tip)))

	if !tip.Valid() {
		return fmt.Errorf("%w: rating tip %q", ErrValidation, tip)
	}
	header := http.Header{
		"x-Key": {c.ratingKey},
		"x-Tip": {string(tip)},
	}
	if protocol != "" {
		header.Set("x-Prot", protocol)
	}
	if messageID != "" {
		header.Set("x-Id", messageID)
	}
	req := requestSpec{method: http.MethodPost, url: c.ratingURL, header: header, body: []byte("{}")}
	if _, err := c.do(ctx, req); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full
}

type requestSpec struct {
	method string
	url    string
	header http.Header
	body   []byte
}

func (c *Client) invoke(ctx context.Context, method, fullURL string, header http.Header) ([]byte, error) {
	return c.do(ctx, requestSpec{method: method, url: fullURL, header: header})
}

func (c *Client) do(ctx context.Context, spec requestSpec) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if spec.body != nil {
			bodyReader = bytes.NewReader(spec.body)
		}
		req, err := http.NewRequestWithContext(ctx, spec.method, spec.url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("backend: build request: %w", err)
		}
		for k, v := range spec.header {
			// header names are sent exactly as the backend expects them
			req.Header[k] = v
		}
		req.Header.Set("User-Agent", c.userAgent)
		if spec.body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("backend: http error: %w", err)
			}
			lastErr = err
			c.logRetry(spec.url, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("backend: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(spec.url, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("backend: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(endpoint string, attempt int, status int, err error) {
	c.logger.Warn("backend retry",
		"endpoint", endpoint,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: missing required parameter %s", ErrValidation, name)
	}
	return nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

// decodeURL accepts {"url": "..."}, a JSON string or a bare URL body.
func decodeURL(endpoint string, data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	var obj struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(trimmed, &obj) == nil && obj.URL != "" {
		return obj.URL, nil
	}
	var s string
	if json.Unmarshal(trimmed, &s) == nil && s != "" {
		return s, nil
	}
	if len(trimmed) > 0 && (bytes.HasPrefix(trimmed, []byte("http://")) || bytes.HasPrefix(trimmed, []byte("https://"))) {
		return string(trimmed), nil
	}
	return "", &BackendError{Endpoint: endpoint, Message: "URL não recebida"}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
