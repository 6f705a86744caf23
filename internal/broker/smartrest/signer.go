package smartrest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// signer computes the HMAC-SHA256 request signature over
// timestamp + method + path + body. The secret is held as bytes so it
// can be wiped as soon as the request is built.
type signer struct {
	secret []byte
}

func newSigner(secret string) *signer {
	return &signer{secret: []byte(secret)}
}

func (s *signer) sign(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// wipe zeroes the secret. The signer is unusable afterwards.
func (s *signer) wipe() {
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
}
