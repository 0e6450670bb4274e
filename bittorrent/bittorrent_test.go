package bittorrent

import (
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var peerIDTable = []struct {
	name   string
	peerID [20]byte
	raw    string
	hex    string
}{
	{"empty", [20]byte{}, "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", "0000000000000000000000000000000000000000"},
	{"real", [20]byte{0x41, 0x5a, 0x32, 0x35, 0x30, 0x30, 0x42, 0x54, 0x65, 0x59, 0x55, 0x7a, 0x79, 0x61, 0x62, 0x41, 0x66, 0x6f, 0x36, 0x55}, "\x41\x5a\x32\x35\x30\x30\x42\x54\x65\x59\x55\x7a\x79\x61\x62\x41\x66\x6f\x36\x55", "415a3235303042546559557a79616241666f3655"},
}

func TestPeerIDEncodings(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			id := PeerID(tt.peerID)
			require.Equal(t, tt.hex, id.String())
			require.Equal(t, tt.raw, id.RawString())
			require.Equal(t, id, PeerIDFromString(tt.raw))

			fromHex, err := PeerIDFromHexString(tt.hex)
			require.NoError(t, err)
			require.Equal(t, id, fromHex)
		})
	}
}

func TestInfoHashFromHexString(t *testing.T) {
	ih, err := InfoHashFromHexString("415a3235303042546559557a79616241666f3655")
	require.NoError(t, err)
	require.Equal(t, "AZ2500BTeYUzyabAfo6U", ih.RawString())

	_, err = InfoHashFromHexString("415a")
	require.Equal(t, ErrInvalidInfoHash, err)

	_, err = InfoHashFromHexString("zz5a3235303042546559557a79616241666f3655")
	require.Equal(t, ErrInvalidInfoHash, err)
}

func TestFromBytesPanicsOnBadLength(t *testing.T) {
	require.Panics(t, func() { InfoHashFromBytes([]byte("short")) })
	require.Panics(t, func() { PeerIDFromBytes(make([]byte, 21)) })
}

func TestFamilyOf(t *testing.T) {
	table := []struct {
		addr     netip.Addr
		expected AddressFamily
	}{
		{netip.MustParseAddr("1.2.3.4"), IPv4},
		{netip.MustParseAddr("::ffff:1.2.3.4"), IPv4},
		{netip.MustParseAddr("2001:db8::1"), IPv6},
		{netip.Addr{}, UnknownFamily},
	}
	for _, tt := range table {
		require.Equal(t, tt.expected, FamilyOf(tt.addr), tt.addr.String())
	}
}

func TestIsClientError(t *testing.T) {
	require.True(t, IsClientError(ErrInvalidInfoHash))
	require.True(t, IsClientError(errors.Wrap(ClientError("nope"), "context")))
	require.False(t, IsClientError(errors.New("internal")))
}
