package download

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Charana123/metatorrent/go-torrent/config"
	"github.com/Charana123/metatorrent/go-torrent/storage"
	"github.com/Charana123/metatorrent/go-torrent/wire"
	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata(t *testing.T) []byte {
	buf := &bytes.Buffer{}
	require.NoError(t, bencode.Marshal(buf, map[string]interface{}{
		"name":         "payload",
		"length":       1 << 30,
		"piece length": 1 << 18,
		"pieces":       strings.Repeat("p", 20*1500),
	}))
	return buf.Bytes()
}

func readFrame(r io.Reader) (*wire.Message, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return &wire.Message{ID: b[0], Payload: b[1:]}, nil
}

// seed serves metadata over ut_metadata to every connection it accepts.
// When corrupt is set the first chunk it sends is garbage.
func seed(t *testing.T, metadata []byte, corrupt bool) *net.TCPAddr {
	return serveSeed(t, sha1.Sum(metadata), metadata, corrupt)
}

// lyingSeed handshakes for metadata but advertises and serves it with junk
// appended.
func lyingSeed(t *testing.T, metadata []byte) *net.TCPAddr {
	served := append(append([]byte(nil), metadata...), bytes.Repeat([]byte{'x'}, 100)...)
	return serveSeed(t, sha1.Sum(metadata), served, false)
}

func serveSeed(t *testing.T, infoHash [20]byte, metadata []byte, corrupt bool) *net.TCPAddr {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serve := func(conn net.Conn) {
		defer conn.Close()
		hs := make([]byte, wire.HANDSHAKE_LEN)
		if _, err := io.ReadFull(conn, hs); err != nil {
			return
		}
		conn.Write(wire.NewHandshake(infoHash, [20]byte{'s'}, true).Bytes())
		conn.Write(wire.ExtendedHandshakeMessage(int64(len(metadata))))
		for {
			msg, err := readFrame(conn)
			if err != nil {
				return
			}
			if msg == nil || msg.ID != wire.EXTENDED || msg.Payload[0] != wire.UT_METADATA {
				continue
			}
			req, err := wire.ParseMetadataMessage(msg.Payload[1:])
			if err != nil || req.Type != wire.METADATA_REQUEST {
				continue
			}
			start := req.Piece * storage.METADATA_CHUNK_SIZE
			end := start + storage.METADATA_CHUNK_SIZE
			if end > len(metadata) {
				end = len(metadata)
			}
			chunk := metadata[start:end]
			if corrupt {
				chunk = bytes.Repeat([]byte{0}, len(chunk))
				corrupt = false
			}
			conn.Write(wire.MetadataData(wire.UT_METADATA, req.Piece, int64(len(metadata)), chunk))
		}
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// udpTracker returns peer from every announce.
func udpTracker(t *testing.T, peer *net.TCPAddr) string {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 16 {
				continue
			}
			action := binary.BigEndian.Uint32(buf[8:])
			resp := binary.BigEndian.AppendUint32(nil, action)
			resp = append(resp, buf[12:16]...)
			switch action {
			case 0:
				resp = binary.BigEndian.AppendUint64(resp, 42)
			case 1:
				resp = binary.BigEndian.AppendUint32(resp, 1800)
				resp = binary.BigEndian.AppendUint32(resp, 0)
				resp = binary.BigEndian.AppendUint32(resp, 1)
				resp = append(resp, peer.IP.To4()...)
				resp = binary.BigEndian.AppendUint16(resp, uint16(peer.Port))
			default:
				continue
			}
			conn.WriteToUDP(resp, from)
		}
	}()
	return "udp://" + conn.LocalAddr().String() + "/announce"
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Workers = 4
	cfg.Port = 0
	cfg.Output = filepath.Join(t.TempDir(), "out", "metadata.torrent")
	cfg.Tick = 5 * time.Millisecond
	return cfg
}

func run(t *testing.T, d Download) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer d.Stop()
	return d.Start(ctx)
}

func TestFetchMetadataFromTrackerPeer(t *testing.T) {
	metadata := testMetadata(t)
	require.Greater(t, len(metadata), storage.METADATA_CHUNK_SIZE)
	url := udpTracker(t, seed(t, metadata, false))
	cfg := testConfig(t)

	d, err := NewDownload(cfg, sha1.Sum(metadata), []string{url, url})
	require.NoError(t, err)
	require.NoError(t, run(t, d))

	require.NotNil(t, d.Info())
	assert.Equal(t, "payload", d.Info().Name)
	assert.Equal(t, 1500, d.Info().NumPieces())

	written, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, metadata, written)
}

func TestCorruptMetadataIsRefetched(t *testing.T) {
	metadata := testMetadata(t)
	cfg := testConfig(t)

	d, err := NewDownload(cfg, sha1.Sum(metadata), nil)
	require.NoError(t, err)
	d.AddPeer(seed(t, metadata, true))
	require.NoError(t, run(t, d))

	written, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, metadata, written)
}

func TestLyingPeerBannedAfterSizeDispute(t *testing.T) {
	metadata := testMetadata(t)
	cfg := testConfig(t)
	liar := lyingSeed(t, metadata)
	honest := seed(t, metadata, false)

	d, err := NewDownload(cfg, sha1.Sum(metadata), nil)
	require.NoError(t, err)
	d.AddPeer(liar)
	go func() {
		// let the liar size the store first
		time.Sleep(300 * time.Millisecond)
		d.AddPeer(honest)
	}()
	require.NoError(t, run(t, d))

	assert.True(t, d.(*download).peerMgr.Banned(liar.String()))
	assert.False(t, d.(*download).peerMgr.Banned(honest.String()))
	written, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, metadata, written)
}

func TestNoSources(t *testing.T) {
	d, err := NewDownload(testConfig(t), [20]byte{}, []string{"http://tracker/announce"})
	require.NoError(t, err)
	assert.ErrorIs(t, run(t, d), ErrNoTrackers)
}

func TestChunkDataFallsBackToPayloadTail(t *testing.T) {
	payload := append([]byte("d8:msg_typei1e5:piecei0ee"), "abcd"...)
	msg, err := wire.ParseMetadataMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), chunkData(payload, msg, 4))
	assert.Equal(t, []byte("bcd"), chunkData(payload, msg, 3))
}
