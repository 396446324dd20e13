package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func packUnpack(t *testing.T, body Body) Body {
	t.Helper()
	buf := make([]byte, body.bodySize())
	body.packBody(buf)

	fresh, err := newBody(body.Type())
	require.NoError(t, err)
	require.NoError(t, fresh.unpackBody(buf))
	return fresh
}

func TestMessageBodyRoundTrip(t *testing.T) {
	cases := []Body{
		&IdentRequest{ID: 1, Address: "10.0.0.1:9000"},
		&Ident{ID: 2, Address: ""},
		&LeaderActive{ID: 3, Seq: 4, Round: 5, Next: 0},
		&LeaderActive{ID: 3, Seq: 4, Round: 5, Next: 6, NextContent: []byte{1, 2, 3}},
		&LeaderActiveAck{ID: 7, Seq: 8, Round: 9},
	}
	for _, body := range cases {
		got := packUnpack(t, body)
		require.Equal(t, body, got)
	}
}

func TestUnpackRejectsTruncatedBody(t *testing.T) {
	_, err := newBody(TypeLeaderActive)
	require.NoError(t, err)
	la := &LeaderActive{}
	require.Error(t, la.unpackBody(make([]byte, 4)))
}

func TestNewBodyRejectsUnknownType(t *testing.T) {
	_, err := newBody(Type(255))
	require.Error(t, err)
}
