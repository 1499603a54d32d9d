// Package gcs uploads dispatch artifacts to Cloud Storage and mints V4
// signed GET URLs for the workers that consume them. The orchestrator only
// needs object upload, best-effort delete, and signing, so it talks to the
// JSON/media API directly with a service-account token source.
package gcs

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	apperrors "github.com/neurify-goto/form-sender-orchestrator/internal/errors"
	"github.com/neurify-goto/form-sender-orchestrator/internal/retry"
)

// ScopeReadWrite is the OAuth scope the upload and delete calls need.
const ScopeReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"

const (
	uploadEndpoint  = "https://storage.googleapis.com/upload/storage/v1/b/%s/o?uploadType=media&name=%s"
	objectEndpoint  = "https://storage.googleapis.com/storage/v1/b/%s/o/%s"
	signingHost     = "storage.googleapis.com"
	signingAlgo     = "GOOG4-RSA-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// V4 signed URLs are valid for at most 7 days.
	minSignedURLTTL = time.Minute
	maxSignedURLTTL = 7 * 24 * time.Hour

	uploadAttempts = 3
	uploadBackoff  = time.Second
	signAttempts   = 3
)

// Client uploads, deletes, and signs objects in one bucket.
type Client struct {
	bucket      string
	tokenSource oauth2.TokenSource
	signerEmail string
	privateKey  *rsa.PrivateKey
	httpClient  *http.Client
	tp          clock.TimeProvider
	logger      *slog.Logger
	baseURL     string
}

// ClientOptions holds the settings for a Client.
type ClientOptions struct {
	Bucket string
	// TokenSource provides access tokens with ScopeReadWrite.
	TokenSource oauth2.TokenSource
	// SignerEmail is the service account's client_email, embedded in the
	// signed URL's credential scope.
	SignerEmail string
	// PrivateKeyPEM is the service account's PKCS#8 or PKCS#1 RSA key.
	PrivateKeyPEM []byte
	HTTPClient    *http.Client
	TimeProvider  clock.TimeProvider
	Logger        *slog.Logger
	// BaseURL overrides the storage endpoint; tests point it at a local
	// server.
	BaseURL string
}

// NewClient creates a storage client. The private key is parsed eagerly so a
// malformed key fails at startup, not at the first dispatch.
func NewClient(opts ClientOptions) (*Client, error) {
	key, err := parseRSAPrivateKey(opts.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		bucket:      opts.Bucket,
		tokenSource: opts.TokenSource,
		signerEmail: opts.SignerEmail,
		privateKey:  key,
		httpClient:  hc,
		tp:          tp,
		logger:      logger,
		baseURL:     baseURL,
	}, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, apperrors.New(apperrors.ErrCodeSystem, "service account key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, apperrors.New(apperrors.ErrCodeSystem, "service account key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSystem, "parse service account key")
	}
	return key, nil
}

// ObjectURI returns the gs:// URI for an object name.
func (c *Client) ObjectURI(object string) string {
	return fmt.Sprintf("gs://%s/%s", c.bucket, object)
}

// Upload writes body as a JSON object, retrying on any non-2xx response.
func (c *Client) Upload(ctx context.Context, object string, body []byte) error {
	endpoint := fmt.Sprintf(uploadEndpoint, c.bucket, url.QueryEscape(object))
	if c.baseURL != "" {
		endpoint = fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=media&name=%s",
			c.baseURL, c.bucket, url.QueryEscape(object))
	}

	policy := retry.Policy{Attempts: uploadAttempts, BaseBackoff: uploadBackoff}
	err := policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeSystem, "build upload request")
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(req); err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "upload %s", object)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return apperrors.Newf(apperrors.ErrCodeNetwork,
				"upload %s failed with status %d: %s", object, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return nil
	})
	return err
}

// Delete removes an object. Callers treat failures as non-fatal; the object
// expires with the bucket lifecycle anyway.
func (c *Client) Delete(ctx context.Context, object string) error {
	endpoint := fmt.Sprintf(objectEndpoint, c.bucket, url.PathEscape(object))
	if c.baseURL != "" {
		endpoint = fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.baseURL, c.bucket, url.PathEscape(object))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSystem, "build delete request")
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeNetwork, "delete %s", object)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return apperrors.Newf(apperrors.ErrCodeNetwork, "delete %s failed with status %d", object, resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	token, err := c.tokenSource.Token()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermission, "fetch storage access token")
	}
	token.SetAuthHeader(req)
	return nil
}

// SignedGetURL mints a V4 GET URL for the object. The TTL is clamped to the
// service's [1 min .. 7 d] validity window.
func (c *Client) SignedGetURL(object string, ttl time.Duration) (string, error) {
	if ttl < minSignedURLTTL {
		ttl = minSignedURLTTL
	}
	if ttl > maxSignedURLTTL {
		ttl = maxSignedURLTTL
	}

	now := c.tp.Now().UTC()
	timestamp := now.Format("20060102T150405Z")
	datestamp := now.Format("20060102")
	credentialScope := fmt.Sprintf("%s/auto/storage/goog4_request", datestamp)
	credential := fmt.Sprintf("%s/%s", c.signerEmail, credentialScope)

	canonicalURI := fmt.Sprintf("/%s/%s", c.bucket, escapePath(object))

	query := map[string]string{
		"X-Goog-Algorithm":     signingAlgo,
		"X-Goog-Credential":    credential,
		"X-Goog-Date":          timestamp,
		"X-Goog-Expires":       fmt.Sprintf("%d", int(ttl.Seconds())),
		"X-Goog-SignedHeaders": "host",
	}
	canonicalQuery := canonicalQueryString(query)

	canonicalRequest := strings.Join([]string{
		http.MethodGet,
		canonicalURI,
		canonicalQuery,
		"host:" + signingHost + "\n",
		"host",
		unsignedPayload,
	}, "\n")

	hashed := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		signingAlgo,
		timestamp,
		credentialScope,
		hex.EncodeToString(hashed[:]),
	}, "\n")

	signature, err := c.sign([]byte(stringToSign))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("https://%s%s?%s&X-Goog-Signature=%s",
		signingHost, canonicalURI, canonicalQuery, hex.EncodeToString(signature)), nil
}

// sign hashes and RSA-signs the string to sign, retrying on transient
// failures from the crypto randomness source.
func (c *Client) sign(stringToSign []byte) ([]byte, error) {
	digest := sha256.Sum256(stringToSign)
	var signature []byte
	policy := retry.Policy{Attempts: signAttempts}
	err := policy.Do(context.Background(), func() error {
		var signErr error
		signature, signErr = rsa.SignPKCS1v15(rand.Reader, c.privateKey, crypto.SHA256, digest[:])
		return signErr
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSystem, "sign url")
	}
	return signature, nil
}

// canonicalQueryString renders the query in lexical key order with both keys
// and values percent-encoded.
func canonicalQueryString(query map[string]string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+"="+percentEncode(query[k]))
	}
	return strings.Join(parts, "&")
}

// percentEncode applies the signing spec's strict encoding: everything but
// unreserved characters is escaped, including "/".
func percentEncode(s string) string {
	var b strings.Builder
	for _, r := range []byte(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '-', r == '.', r == '_', r == '~':
			b.WriteByte(r)
		default:
			fmt.Fprintf(&b, "%%%02X", r)
		}
	}
	return b.String()
}

// escapePath percent-encodes an object path, keeping "/" separators.
func escapePath(object string) string {
	segments := strings.Split(object, "/")
	for i, seg := range segments {
		segments[i] = percentEncode(seg)
	}
	return strings.Join(segments, "/")
}

// ServiceAccountKey is the subset of a service-account JSON key the client
// needs.
type ServiceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// ParseServiceAccountKey decodes a service-account JSON document.
func ParseServiceAccountKey(raw []byte) (*ServiceAccountKey, error) {
	var key ServiceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeJSONParse, "parse service account key")
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeSystem, "service account key missing client_email or private_key")
	}
	return &key, nil
}
