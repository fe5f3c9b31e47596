package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// APIKeyHeader carries the access key on every signed call
const APIKeyHeader = "X-MEXC-APIKEY"

// Signer signs MEXC spot REST requests: timestamp and recvWindow are added,
// the parameters are encoded sorted by key, and the hex HMAC-SHA256 of that
// string is appended as the last parameter.
type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow int
	now        func() time.Time
}

// NewSigner creates a signer for one credential pair
func NewSigner(apiKey, secret string, recvWindowMs int) *Signer {
	if recvWindowMs <= 0 {
		recvWindowMs = DefaultRecvWindowMs
	}
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(secret),
		recvWindow: recvWindowMs,
		now:        time.Now,
	}
}

// Sign returns the signature of an already encoded query string
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest adds authentication headers and signature to the request
func (s *Signer) SignRequest(req *http.Request) error {
	req.Header.Set(APIKeyHeader, s.apiKey)
	if req.Method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	q := req.URL.Query()
	q.Set("recvWindow", strconv.Itoa(s.recvWindow))
	q.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))

	payload := q.Encode()
	req.URL.RawQuery = payload + "&signature=" + s.Sign(payload)
	return nil
}
