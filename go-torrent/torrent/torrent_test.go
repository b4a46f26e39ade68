package torrent

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerID(t *testing.T) {
	a, err := NewPeerID()
	require.NoError(t, err)
	b, err := NewPeerID()
	require.NoError(t, err)

	assert.Equal(t, PEER_ID_PREFIX, string(a[:8]))
	assert.NotEqual(t, a, b)
}

func TestParseInfoHash(t *testing.T) {
	hex := "0123456789abcdef0123456789abcdef01234567"
	h, err := ParseInfoHash(hex)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), h[0])
	assert.Equal(t, byte(0x67), h[19])

	b32, err := ParseInfoHash(strings.ToLower("AERUKZ4JVPG66AJDIVTYTK6N54ASGRLH"))
	require.NoError(t, err)
	assert.Equal(t, h, b32)

	_, err = ParseInfoHash("abc")
	assert.ErrorIs(t, err, ErrBadInfoHash)
	_, err = ParseInfoHash(strings.Repeat("z", 40))
	assert.ErrorIs(t, err, ErrBadInfoHash)
}

func TestParseMagnet(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567" +
		"&dn=ubuntu&tr=udp%3A%2F%2Fa%3A1&tr=udp%3A%2F%2Fb%3A2&tr=udp%3A%2F%2Fa%3A1")
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", m.DisplayName)
	assert.Equal(t, []string{"udp://a:1", "udp://b:2"}, m.Trackers)
	assert.Equal(t, byte(0x01), m.InfoHash[0])

	_, err = ParseMagnet("http://example.com")
	assert.ErrorIs(t, err, ErrBadMagnet)
	_, err = ParseMagnet("magnet:?xt=urn:sha1:abc")
	assert.ErrorIs(t, err, ErrBadMagnet)
}

func TestDecodeInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, bencode.Marshal(buf, map[string]interface{}{
		"name":         "data",
		"piece length": 16384,
		"pieces":       strings.Repeat("x", 40),
		"files": []interface{}{
			map[string]interface{}{"length": 10, "path": []interface{}{"a"}},
			map[string]interface{}{"length": 20, "path": []interface{}{"b", "c"}},
		},
	}))
	metadata := buf.Bytes()

	info, err := DecodeInfo(metadata)
	require.NoError(t, err)
	assert.Equal(t, "data", info.Name)
	assert.Equal(t, 2, info.NumPieces())
	assert.Equal(t, int64(30), info.TotalLength())
	assert.Equal(t, []string{"b", "c"}, info.Files[1].Path)

	assert.True(t, Verify(metadata, sha1.Sum(metadata)))
	assert.False(t, Verify(metadata, [20]byte{}))

	_, err = DecodeInfo([]byte("i3e"))
	assert.ErrorIs(t, err, ErrBadInfo)
}

func TestDecodeInfoRejectsMalformedInput(t *testing.T) {
	for _, metadata := range []string{
		"i3e",
		"l4:spame",
		"d4:namei5ee",
		"d4:name4:data12:piece lengthi16384e5:filesi3ee",
		"d4:name4:data12:piece length3:abce",
		"d4:name",
		"",
	} {
		assert.NotPanics(t, func() {
			info, err := DecodeInfo([]byte(metadata))
			assert.ErrorIs(t, err, ErrBadInfo, metadata)
			assert.Nil(t, info, metadata)
		})
	}
}
