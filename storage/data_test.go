package storage

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	table := []struct {
		stored   string
		expected netip.Addr
		fails    bool
	}{
		{"192.0.2.7", netip.MustParseAddr("192.0.2.7"), false},
		{"2001:db8::2", netip.MustParseAddr("2001:db8::2"), false},
		{netip.Addr{}.String(), netip.Addr{}, false},
		{"", netip.Addr{}, true},
		{"not-an-address", netip.Addr{}, true},
	}

	for _, tt := range table {
		t.Run(tt.stored, func(t *testing.T) {
			got, err := ParseAddr(tt.stored)
			if tt.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}
