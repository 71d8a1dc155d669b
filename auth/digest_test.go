package auth_test

import (
	"crypto/md5"
	"testing"

	"github.com/opd-ai/obexd/auth"
	"github.com/opd-ai/obexd/auth/authtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNonce() [auth.NonceLength]byte {
	var n [auth.NonceLength]byte
	for i := range n {
		n[i] = byte(0x10 + i)
	}
	return n
}

func TestComputeDigestMatchesDefinition(t *testing.T) {
	nonce := testNonce()
	want := md5.Sum(append(append(nonce[:], ':'), "secret"...))
	assert.Equal(t, want, auth.ComputeDigest(nonce, "secret"))
}

func TestComputeDigestDeterministic(t *testing.T) {
	nonce := testNonce()
	assert.Equal(t, auth.ComputeDigest(nonce, "secret"), auth.ComputeDigest(nonce, "secret"))
}

func TestComputeDigestSensitivity(t *testing.T) {
	nonce := testNonce()
	base := auth.ComputeDigest(nonce, "secret")

	for i := 0; i < auth.NonceLength*8; i++ {
		flipped := nonce
		flipped[i/8] ^= 1 << (i % 8)
		assert.NotEqual(t, base, auth.ComputeDigest(flipped, "secret"), "nonce bit %d", i)
	}

	password := []byte("secret")
	for i := 0; i < len(password)*8; i++ {
		p := append([]byte(nil), password...)
		p[i/8] ^= 1 << (i % 8)
		assert.NotEqual(t, base, auth.ComputeDigest(nonce, string(p)), "password bit %d", i)
	}
}

func TestParseChallengeSkipsUnknownTags(t *testing.T) {
	nonce := testNonce()
	payload := []byte{0x7F, 0x03, 0xAA, 0xBB, 0xCC}
	payload = append(payload, authtest.BuildChallenge(nonce)...)
	payload = append(payload, auth.TagOptions, 0x01, 0x02, auth.TagRealm, 0x03, 0x00, 'a', 'b')

	c, err := auth.ParseChallenge(payload)
	require.NoError(t, err)
	assert.Equal(t, nonce, c.Nonce)
	assert.True(t, c.HasOptions)
	assert.Equal(t, byte(0x02), c.Options)
	assert.Equal(t, []byte{0x00, 'a', 'b'}, c.Realm)
}

func TestParseChallengeErrors(t *testing.T) {
	_, err := auth.ParseChallenge([]byte{auth.TagOptions, 0x01, 0x00})
	assert.ErrorIs(t, err, auth.ErrMalformedChallenge)

	_, err = auth.ParseChallenge([]byte{auth.TagNonce, 0x10, 0x00})
	assert.ErrorIs(t, err, auth.ErrMalformedChallenge)

	_, err = auth.ParseChallenge([]byte{auth.TagNonce, 0x02, 0x00, 0x01})
	assert.ErrorIs(t, err, auth.ErrMalformedChallenge)
}

func TestContextReply(t *testing.T) {
	nonce := testNonce()
	ctx, err := auth.NewContext(authtest.BuildChallenge(nonce))
	require.NoError(t, err)

	_, err = ctx.Reply("")
	assert.ErrorIs(t, err, auth.ErrRejected)

	payload, err := ctx.Reply("0000")
	require.NoError(t, err)

	digest, echoed, err := authtest.ParseResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, auth.ComputeDigest(nonce, "0000"), digest)
	assert.Equal(t, nonce, echoed)
	assert.Equal(t, digest, ctx.Digest)
}
