// Package exchange implements the normalized spot-exchange gateway
// against a MEXC-compatible REST API.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// hmacSigner signs requests MEXC-style: the query string plus a
// timestamp is HMAC-SHA256'd with the API secret and appended as the
// signature parameter; the API key travels in a header.
type hmacSigner struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

func newHMACSigner(apiKey, apiSecret string) *hmacSigner {
	return &hmacSigner{apiKey: apiKey, apiSecret: apiSecret, now: time.Now}
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")
	payload := q.Encode()

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	if _, err := mac.Write([]byte(payload)); err != nil {
		return fmt.Errorf("failed to sign payload: %w", err)
	}
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-MEXC-APIKEY", s.apiKey)
	return nil
}
