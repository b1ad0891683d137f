package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"log/slog"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, prefixed with "sha256=".
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// ErrUnauthorized is returned when neither the write key nor a signature authenticates a request.
var ErrUnauthorized = errors.New("unauthorized")

// Service authenticates inbound build webhooks.
type Service struct {
	writeKey string
	secret   []byte
	logger   *slog.Logger
}

// New constructs a webhook verifier. An empty secret disables signature checks.
func New(writeKey, secret string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := Service{
		writeKey: strings.TrimSpace(writeKey),
		logger:   logger.With("component", "webhook"),
	}
	if secret = strings.TrimSpace(secret); secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Verify accepts the request when it carries the bearer write key or, with a secret
// configured, a valid body signature.
func (s Service) Verify(header http.Header, body []byte) error {
	if token, ok := bearerToken(header.Get("Authorization")); ok && s.CheckWriteKey(token) {
		return nil
	}
	if len(s.secret) > 0 {
		if provided := strings.TrimSpace(header.Get(SignatureHeader)); provided != "" {
			if err := s.ValidateSignature(body, provided); err != nil {
				s.logger.Warn("webhook signature rejected", "error", err)
				return ErrUnauthorized
			}
			return nil
		}
	}
	return ErrUnauthorized
}

// CheckWriteKey compares token against the configured write key in constant time.
func (s Service) CheckWriteKey(token string) bool {
	if s.writeKey == "" || len(token) != len(s.writeKey) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.writeKey)) == 1
}

// ValidateSignature checks the HMAC signature for payload.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	if !strings.HasPrefix(provided, signaturePrefix) {
		return errors.New("unsupported signature scheme")
	}
	expected := Sign(s.secret, payload)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

// Sign returns the signature header value for payload.
func Sign(secret, payload []byte) string {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	return signaturePrefix + hex.EncodeToString(hasher.Sum(nil))
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
