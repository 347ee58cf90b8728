// Package hawk verifies Hawk-signed machine-to-machine requests: an HMAC
// over method, host, port, path and payload, a bounded timestamp, and a
// single-use nonce held in redis.
package hawk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"workspace/internal/config"

	"github.com/redis/go-redis/v9"
)

const (
	// Senders sign with their own clocks; allow generous skew.
	timestampSkew = 1000 * time.Second
	// A nonce only has to outlive the replay horizon.
	nonceTTL = 15 * time.Second
)

var (
	ErrMissingHeader  = errors.New("hawk: missing or malformed Authorization header")
	ErrUnknownSender  = errors.New("hawk: unknown sender id")
	ErrStaleTimestamp = errors.New("hawk: timestamp outside allowed skew")
	ErrReplay         = errors.New("hawk: nonce already seen")
	ErrBadMAC         = errors.New("hawk: MAC mismatch")
	ErrBadPayload     = errors.New("hawk: payload hash mismatch")
)

var headerAttrRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

type Verifier struct {
	senders map[string]config.HawkSender
	nonces  redis.Cmdable
	now     func() time.Time
}

func NewVerifier(senders []config.HawkSender, nonces redis.Cmdable) *Verifier {
	byID := make(map[string]config.HawkSender, len(senders))
	for _, s := range senders {
		byID[s.ID] = s
	}
	return &Verifier{senders: byID, nonces: nonces, now: time.Now}
}

// Verify checks the request's Hawk Authorization header against the fully
// buffered body and returns the sender id. The caller owns re-attaching
// the body to the request.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Hawk ") {
		return "", ErrMissingHeader
	}

	attrs := map[string]string{}
	for _, m := range headerAttrRe.FindAllStringSubmatch(header[len("Hawk "):], -1) {
		attrs[m[1]] = m[2]
	}
	id, ts, nonce, mac := attrs["id"], attrs["ts"], attrs["nonce"], attrs["mac"]
	if id == "" || ts == "" || nonce == "" || mac == "" {
		return "", ErrMissingHeader
	}

	sender, ok := v.senders[id]
	if !ok {
		return "", ErrUnknownSender
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", ErrMissingHeader
	}
	skew := v.now().Unix() - tsInt
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > timestampSkew {
		return "", ErrStaleTimestamp
	}

	payloadHash := payloadHash(r.Header.Get("Content-Type"), body)
	if attrs["hash"] != "" && !hmac.Equal([]byte(attrs["hash"]), []byte(payloadHash)) {
		return "", ErrBadPayload
	}

	expected := requestMAC(sender.Key, ts, nonce, r, payloadHash)
	if !hmac.Equal([]byte(expected), []byte(mac)) {
		return "", ErrBadMAC
	}

	// SETNX with TTL is the whole replay guard: the first writer wins.
	set, err := v.nonces.SetNX(ctx, nonceKey(id, nonce), 1, nonceTTL).Result()
	if err != nil {
		return "", fmt.Errorf("hawk: nonce store: %w", err)
	}
	if !set {
		return "", ErrReplay
	}

	return id, nil
}

func nonceKey(senderID, nonce string) string {
	return "hawk:nonce:" + senderID + ":" + nonce
}

func payloadHash(contentType string, body []byte) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	h := sha256.New()
	h.Write([]byte("hawk.1.payload\n"))
	h.Write([]byte(strings.ToLower(strings.TrimSpace(mediaType)) + "\n"))
	h.Write(body)
	h.Write([]byte("\n"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func requestMAC(key, ts, nonce string, r *http.Request, payloadHash string) string {
	host, port := hostPort(r)
	uri := r.URL.RequestURI()

	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "hawk.1.header\n%s\n%s\n%s\n%s\n%s\n%s\n%s\n\n",
		ts, nonce, r.Method, uri, host, port, payloadHash)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hostPort(r *http.Request) (string, string) {
	host := r.Host
	if h, p, ok := strings.Cut(host, ":"); ok {
		return h, p
	}
	if r.Header.Get("X-Forwarded-Proto") == "https" || r.TLS != nil {
		return host, "443"
	}
	return host, "80"
}

// SignRequest produces a Hawk Authorization header for outbound calls and
// tests.
func SignRequest(sender config.HawkSender, r *http.Request, body []byte, ts, nonce string) string {
	hash := payloadHash(r.Header.Get("Content-Type"), body)
	mac := requestMAC(sender.Key, ts, nonce, r, hash)
	return fmt.Sprintf(`Hawk mac="%s", hash="%s", id="%s", ts="%s", nonce="%s"`,
		mac, hash, sender.ID, ts, nonce)
}
