// Package authtest builds and reads digest payloads from the peer's side of
// the exchange, for tests that play a PBAP client.
package authtest

import (
	"fmt"

	"github.com/opd-ai/obexd/auth"
)

// BuildChallenge encodes a challenge carrying only a nonce.
func BuildChallenge(nonce [auth.NonceLength]byte) []byte {
	out := make([]byte, 0, 2+auth.NonceLength)
	out = append(out, auth.TagNonce, auth.NonceLength)
	return append(out, nonce[:]...)
}

// ParseResponse extracts the request digest and echoed nonce of a response.
func ParseResponse(payload []byte) (digest [auth.DigestLength]byte, nonce [auth.NonceLength]byte, err error) {
	var hasDigest bool
	for len(payload) > 0 {
		if len(payload) < 2 || 2+int(payload[1]) > len(payload) {
			return digest, nonce, fmt.Errorf("%w: truncated response triplet", auth.ErrMalformedChallenge)
		}
		tag, value := payload[0], payload[2:2+int(payload[1])]
		switch tag {
		case auth.TagRequestDigest:
			if len(value) != auth.DigestLength {
				return digest, nonce, fmt.Errorf("%w: digest is %d bytes", auth.ErrMalformedChallenge, len(value))
			}
			copy(digest[:], value)
			hasDigest = true
		case auth.TagNonceEcho:
			copy(nonce[:], value)
		}
		payload = payload[2+len(value):]
	}
	if !hasDigest {
		return digest, nonce, fmt.Errorf("%w: missing request digest", auth.ErrMalformedChallenge)
	}
	return digest, nonce, nil
}
