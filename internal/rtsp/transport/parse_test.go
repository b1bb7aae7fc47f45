package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("udp reply", func(t *testing.T) {
		require := require.New(t)

		h, err := Parse([]string{"RTP/AVP;unicast;client_port=5000-5001;server_port=6970-6971;ssrc=1F2E3D4C;mode=\"PLAY\""})
		require.NoError(err)
		require.Len(h.Options(), 1)

		o := h.Options()[0]
		assert.Equal(t, ProtocolUDP, o.Protocol())
		assert.True(t, o.IsUnicast())

		cp, ok := o.ClientPort()
		require.True(ok)
		assert.Equal(t, ClientPort{5000, 5001}, cp)

		sp, ok := o.ServerPort()
		require.True(ok)
		assert.Equal(t, ServerPort{6970, 6971}, sp)

		ssrc, ok := o.SSRC()
		require.True(ok)
		assert.Equal(t, SSRC(0x1F2E3D4C), ssrc)

		_, ok = o.Interleaved()
		assert.False(t, ok)
	})

	t.Run("interleaved reply", func(t *testing.T) {
		h, err := Parse([]string{"RTP/AVP/TCP;unicast;interleaved=2-3"})
		require.NoError(t, err)

		o := h.Options()[0]
		assert.Equal(t, ProtocolTCP, o.Protocol())

		ch, ok := o.Interleaved()
		require.True(t, ok)
		assert.Equal(t, Interleaved{2, 3}, ch)
	})

	t.Run("single port", func(t *testing.T) {
		h, err := Parse([]string{"RTP/AVP;unicast;server_port=7000"})
		require.NoError(t, err)

		sp, ok := h.Options()[0].ServerPort()
		require.True(t, ok)
		assert.Equal(t, ServerPort{7000, 7001}, sp)
	})

	t.Run("several options", func(t *testing.T) {
		h, err := Parse([]string{"RTP/AVP;unicast;client_port=5000-5001, RTP/AVP/TCP;unicast;interleaved=0-1"})
		require.NoError(t, err)
		require.Len(t, h.Options(), 2)
		assert.Equal(t, ProtocolTCP, h.Options()[1].Protocol())
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := Parse([]string{"RAW/RAW/UDP;unicast"})
		assert.ErrorIs(t, err, ErrUnsupportedTransport)
	})

	t.Run("bad port", func(t *testing.T) {
		_, err := Parse([]string{"RTP/AVP;unicast;client_port=abc"})
		assert.Error(t, err)
	})
}

func TestOptionString(t *testing.T) {
	assert.Equal(t, "RTP/AVP;unicast;client_port=5000-5001", NewUDP(5000, 5001).String())
	assert.Equal(t, "RTP/AVP/TCP;unicast;interleaved=0-1", NewInterleaved(0, 1).String())
	assert.Equal(t, "ssrc=0000ABCD", SSRC(0xABCD).String())
}
