package netcfg

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskString(t *testing.T) {
	tests := map[int]string{
		0:  "0.0.0.0",
		8:  "255.0.0.0",
		20: "255.255.240.0",
		24: "255.255.255.0",
		32: "255.255.255.255",
	}
	for bits, want := range tests {
		assert.Equal(t, want, MaskString(bits), "bits=%d", bits)
	}
}

func TestPrefixFromMask(t *testing.T) {
	bits, err := PrefixFromMask("255.255.255.0")
	require.NoError(t, err)
	assert.Equal(t, 24, bits)

	bits, err = PrefixFromMask(" 255.255.240.0 ")
	require.NoError(t, err)
	assert.Equal(t, 20, bits)

	_, err = PrefixFromMask("255.0.255.0")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = PrefixFromMask("nope")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseNetworks(t *testing.T) {
	nets, err := ParseNetworks([]string{"192.168.10.7/24", " 10.0.0.0/8 ", ""})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("192.168.10.0/24"),
		netip.MustParsePrefix("10.0.0.0/8"),
	}, nets)

	_, err = ParseNetworks([]string{"10.0.0.0"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = ParseNetworks([]string{"fd00::/8"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestNewPlan(t *testing.T) {
	p, err := NewPlan("SGR_alice", "10.8.0.2", "255.255.255.0", []string{"192.168.1.0/24"})
	require.NoError(t, err)
	assert.Equal(t, "SGR_alice", p.Interface)
	assert.Equal(t, netip.MustParseAddr("10.8.0.2"), p.LocalIP)
	assert.Equal(t, 24, p.PrefixLen)
	assert.Len(t, p.Networks, 1)

	_, err = NewPlan("SGR_alice", "", "255.255.255.0", []string{"192.168.1.0/24"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = NewPlan("SGR_alice", "10.8.0.2", "255.255.255.0", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}
