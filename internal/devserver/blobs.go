package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

var errBadBlobKey = errors.New("devserver: invalid blob key")

type baseURLKey struct{}

// withBaseURL records the externally visible origin of the current request.
func withBaseURL(ctx context.Context, base string) context.Context {
	return context.WithValue(ctx, baseURLKey{}, base)
}

func baseURLFrom(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(baseURLKey{}).(string); ok && v != "" {
		return v
	}
	return fallback
}

type blobClaims struct {
	Method string `json:"m"`
	jwt.RegisteredClaims
}

// BlobStore keeps attachments on local disk and hands out short-lived signed
// URLs for them. It stands in for the S3 bucket when none is configured.
type BlobStore struct {
	dir     string
	secret  []byte
	ttl     time.Duration
	baseURL string
	now     func() time.Time
	logger  *logging.Logger
}

func NewBlobStore(dir, secret, baseURL string, ttl time.Duration, logger *logging.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("devserver: create blob dir: %w", err)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BlobStore{
		dir:     dir,
		secret:  []byte(secret),
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
		logger:  logger,
	}, nil
}

func blobKey(protocol, fileKey string) (string, error) {
	protocol = strings.Trim(strings.TrimSpace(protocol), "/")
	fileKey = strings.Trim(strings.TrimSpace(fileKey), "/")
	if protocol == "" || fileKey == "" || strings.Contains(protocol, "/") ||
		strings.Contains(fileKey, "/") || strings.Contains(fileKey, "..") {
		return "", errBadBlobKey
	}
	return protocol + "/" + fileKey, nil
}

func (b *BlobStore) RequestUploadLink(ctx context.Context, protocol, fileKey, _ string) (string, error) {
	return b.link(ctx, http.MethodPut, protocol, fileKey)
}

func (b *BlobStore) RequestDownloadLink(ctx context.Context, protocol, fileKey string) (string, error) {
	key, err := blobKey(protocol, fileKey)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(b.dir, filepath.FromSlash(key))); err != nil {
		return "", fmt.Errorf("devserver: blob %s: %w", key, err)
	}
	return b.link(ctx, http.MethodGet, protocol, fileKey)
}

func (b *BlobStore) link(ctx context.Context, method, protocol, fileKey string) (string, error) {
	key, err := blobKey(protocol, fileKey)
	if err != nil {
		return "", err
	}
	now := b.now()
	claims := blobClaims{
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.ttl)),
		},
	}
	sig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("devserver: sign blob link: %w", err)
	}
	return baseURLFrom(ctx, b.baseURL) + "/blobs/" + key + "?sig=" + url.QueryEscape(sig), nil
}

func (b *BlobStore) authorize(r *http.Request, key string) bool {
	var claims blobClaims
	tok, err := jwt.ParseWithClaims(r.URL.Query().Get("sig"), &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return b.secret, nil
	}, jwt.WithTimeFunc(b.now))
	return err == nil && tok.Valid && claims.Subject == key && claims.Method == r.Method
}

// Routes serves PUT and GET on /{protocol}/{fileKey}.
func (b *BlobStore) Routes() http.Handler {
	r := chi.NewRouter()
	r.Put("/{protocol}/{fileKey}", b.handlePut)
	r.Get("/{protocol}/{fileKey}", b.handleGet)
	return r
}

func (b *BlobStore) resolve(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	key, err := blobKey(chi.URLParam(r, "protocol"), chi.URLParam(r, "fileKey"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	if !b.authorize(r, key) {
		http.Error(w, "signature does not match", http.StatusForbidden)
		return "", "", false
	}
	return key, filepath.Join(b.dir, filepath.FromSlash(key)), true
}

func (b *BlobStore) handlePut(w http.ResponseWriter, r *http.Request) {
	key, path, ok := b.resolve(w, r)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	n, err := io.Copy(f, r.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.logger.Error("blob write failed", "key", key, "error", err)
		_ = os.Remove(path)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	b.logger.Info("blob stored", "key", key, "bytes", n, "content_type", r.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
}

func (b *BlobStore) handleGet(w http.ResponseWriter, r *http.Request) {
	_, path, ok := b.resolve(w, r)
	if !ok {
		return
	}
	http.ServeFile(w, r, path)
}
