package authcontext

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sigilid/sigil/keyvault"
)

const testPassphrase = "correct horse battery staple zebra canyon telephone"

func newTestCodec(t *testing.T) *Codec {
	stem, err := keyvault.NewStem([]string{testPassphrase})
	require.NoError(t, err)
	return NewCodec(stem)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	client := uuid.New()
	principal := uuid.New()
	ctx := New(client, "https://rp.example/callback", "challenge").
		WithNonce("nonce-value").
		WithState("state-value").
		WithPrincipal(principal)

	encoded, err := codec.Encode(now, ctx)
	require.NoError(t, err)

	decoded, err := codec.Decode(now, encoded)
	require.NoError(t, err)
	require.Equal(t, client, decoded.OidcClient)
	require.Equal(t, "challenge", decoded.CodeChallenge)
	require.Equal(t, "nonce-value", decoded.GetNonce())
	require.Equal(t, "state-value", decoded.GetState())
	gotPrincipal, ok := decoded.GetPrincipal()
	require.True(t, ok)
	require.Equal(t, principal, gotPrincipal)
}

func TestDecodeRejectsTamperedContext(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	encoded, err := codec.Encode(now, New(uuid.New(), "https://rp.example/callback", "challenge"))
	require.NoError(t, err)

	flipped := "A"
	if encoded[0] == 'A' {
		flipped = "B"
	}
	tampered := flipped + encoded[1:]
	_, err = codec.Decode(now, tampered)
	require.Error(t, err)
}

func TestDecodeRejectsStaleContext(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	encoded, err := codec.Encode(now, New(uuid.New(), "https://rp.example/callback", "challenge"))
	require.NoError(t, err)

	_, err = codec.Decode(now.Add(3*time.Hour), encoded)
	require.Error(t, err)
}

func TestUnknownUserSentinelRoundTrips(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	ctx := New(uuid.New(), "https://rp.example/callback", "challenge").WithPrincipal(unknownUserForTest)
	encoded, err := codec.Encode(now, ctx)
	require.NoError(t, err)

	decoded, err := codec.Decode(now, encoded)
	require.NoError(t, err)
	got, ok := decoded.GetPrincipal()
	require.True(t, ok)
	require.Equal(t, unknownUserForTest, got)
}

var unknownUserForTest = uuid.UUID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}
