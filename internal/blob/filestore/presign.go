package filestore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer issues and verifies presigned blob URLs. The URL carries the sid,
// an expiry instant and an HMAC-SHA256 over both, so possession of the URL is
// the only credential needed to fetch the bytes until it expires.
type Signer struct {
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewSigner(baseURL string, secret []byte) *Signer {
	return &Signer{baseURL: baseURL, secret: secret, now: time.Now}
}

func (s *Signer) SignGet(sid int64, ttl time.Duration) string {
	expires := s.now().Add(ttl).Unix()
	sig := s.signature(sid, expires)
	return fmt.Sprintf("%s/blobs/%d?expires=%d&sig=%s", s.baseURL, sid, expires, sig)
}

// VerifyGet checks the signature and expiry of a presigned GET request.
func (s *Signer) VerifyGet(sid int64, expires int64, sig string) bool {
	if expires < s.now().Unix() {
		return false
	}
	want := s.signature(sid, expires)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (s *Signer) signature(sid int64, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(sid, 10)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
