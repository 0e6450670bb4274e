package bittorrent

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeAnnounce(t *testing.T) {
	table := []struct {
		name     string
		ip       netip.Addr
		port     uint16
		expected netip.Addr
		err      error
	}{
		{"ipv4", netip.MustParseAddr("192.0.2.1"), 6881, netip.MustParseAddr("192.0.2.1"), nil},
		{"mapped ipv4", netip.MustParseAddr("::ffff:192.0.2.1"), 6881, netip.MustParseAddr("192.0.2.1"), nil},
		{"ipv6", netip.MustParseAddr("2001:db8::1"), 6881, netip.MustParseAddr("2001:db8::1"), nil},
		{"zero port", netip.MustParseAddr("192.0.2.1"), 0, netip.Addr{}, ErrInvalidPort},
		{"missing ip", netip.Addr{}, 6881, netip.Addr{}, ErrInvalidIP},
		{"unspecified ip", netip.IPv6Unspecified(), 6881, netip.Addr{}, ErrInvalidIP},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			r := &AnnounceRequest{PeerIP: tt.ip, RequestIP: tt.ip, PeerPort: tt.port}
			err := SanitizeAnnounce(r)
			if tt.err != nil {
				require.Equal(t, tt.err, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, r.PeerIP)
			require.Equal(t, tt.expected, r.RequestIP)
		})
	}
}

func TestSanitizeNumWant(t *testing.T) {
	require.Equal(t, uint32(30), SanitizeNumWant(0, false, 50, 30))
	require.Equal(t, uint32(0), SanitizeNumWant(0, true, 50, 30))
	require.Equal(t, uint32(10), SanitizeNumWant(10, true, 50, 30))
	require.Equal(t, uint32(50), SanitizeNumWant(1000, true, 50, 30))
}
