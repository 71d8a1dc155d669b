package auth

import (
	"crypto/md5"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// NonceLength is the size of the challenge nonce.
	NonceLength = 16
	// DigestLength is the size of the request digest.
	DigestLength = md5.Size
)

// Challenge TLV tags.
const (
	TagNonce   = 0x00
	TagOptions = 0x01
	TagRealm   = 0x02
)

// Response TLV tags.
const (
	TagRequestDigest = 0x00
	TagUserID        = 0x01
	TagNonceEcho     = 0x02
)

var (
	// ErrRejected indicates an empty or refused password.
	ErrRejected = errors.New("authentication rejected")

	// ErrMalformedChallenge indicates a challenge without a usable nonce.
	ErrMalformedChallenge = errors.New("malformed authentication challenge")
)

// ComputeDigest returns MD5(nonce ":" password).
func ComputeDigest(nonce [NonceLength]byte, password string) [DigestLength]byte {
	buf := make([]byte, 0, NonceLength+1+len(password))
	buf = append(buf, nonce[:]...)
	buf = append(buf, ':')
	buf = append(buf, password...)
	return md5.Sum(buf)
}

// Challenge is a decoded Authenticate-Challenge header.
type Challenge struct {
	Nonce      [NonceLength]byte
	Options    byte
	HasOptions bool
	Realm      []byte
}

// ParseChallenge walks the tag-length-value triplets of a challenge.
// Unknown tags are skipped by their declared length.
func ParseChallenge(payload []byte) (Challenge, error) {
	var (
		c        Challenge
		hasNonce bool
	)
	for len(payload) > 0 {
		if len(payload) < 2 {
			return Challenge{}, fmt.Errorf("%w: truncated triplet", ErrMalformedChallenge)
		}
		tag, size := payload[0], int(payload[1])
		if 2+size > len(payload) {
			return Challenge{}, fmt.Errorf("%w: tag 0x%02x declares %d bytes, %d remain",
				ErrMalformedChallenge, tag, size, len(payload)-2)
		}
		value := payload[2 : 2+size]
		switch tag {
		case TagNonce:
			if size != NonceLength {
				return Challenge{}, fmt.Errorf("%w: nonce is %d bytes", ErrMalformedChallenge, size)
			}
			copy(c.Nonce[:], value)
			hasNonce = true
		case TagOptions:
			if size > 0 {
				c.Options = value[0]
				c.HasOptions = true
			}
		case TagRealm:
			c.Realm = append([]byte(nil), value...)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "ParseChallenge",
				"tag":      tag,
				"length":   size,
			}).Debug("Skipping unknown challenge tag")
		}
		payload = payload[2+size:]
	}
	if !hasNonce {
		return Challenge{}, fmt.Errorf("%w: missing nonce", ErrMalformedChallenge)
	}
	return c, nil
}

// BuildResponse encodes the request digest and the echoed nonce.
func BuildResponse(digest [DigestLength]byte, nonce [NonceLength]byte) []byte {
	out := make([]byte, 0, 4+DigestLength+NonceLength)
	out = append(out, TagRequestDigest, DigestLength)
	out = append(out, digest[:]...)
	out = append(out, TagNonceEcho, NonceLength)
	return append(out, nonce[:]...)
}

// Context holds one authentication round.
type Context struct {
	RemoteNonce [NonceLength]byte
	Digest      [DigestLength]byte
}

// NewContext starts a round from a received challenge payload.
func NewContext(challenge []byte) (*Context, error) {
	c, err := ParseChallenge(challenge)
	if err != nil {
		return nil, err
	}
	return &Context{RemoteNonce: c.Nonce}, nil
}

// Reply computes the digest for password and returns the response payload.
// An empty password is rejected.
func (c *Context) Reply(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrRejected
	}
	c.Digest = ComputeDigest(c.RemoteNonce, password)
	return BuildResponse(c.Digest, c.RemoteNonce), nil
}
