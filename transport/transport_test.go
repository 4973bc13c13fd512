package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unishare/apperr"
	"unishare/models"
)

func fastDial() DialOptions {
	return DialOptions{Attempts: 3, Timeout: time.Second, InitialInterval: 10 * time.Millisecond}
}

func TestTCPConnectAndAccept(t *testing.T) {
	ctx := context.Background()
	tcp := NewTCP(0, fastDial())

	listener, err := tcp.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := listener.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	client, err := tcp.Connect(ctx, listener.Addr())
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, models.TransportTCP, client.Kind())

	var server Stream
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return")
	}
	defer server.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestTCPConnectFailsAfterRetries(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	_, err = NewTCP(0, fastDial()).Connect(context.Background(), addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ConnectFailed)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestTCPConnectHonoursCancellation(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewTCP(0, fastDial()).Connect(ctx, addr)
	assert.ErrorIs(t, err, apperr.Cancelled)
}

func TestAcceptReturnsOnContextCancel(t *testing.T) {
	listener, err := NewTCP(0, fastDial()).Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = listener.Accept(ctx)
	assert.ErrorIs(t, err, apperr.Cancelled)

	// The listener stays usable after a cancelled accept.
	go func() {
		conn, err := net.Dial("tcp", listener.Addr())
		if err == nil {
			_ = conn.Close()
		}
	}()
	stream, err := listener.Accept(context.Background())
	require.NoError(t, err)
	_ = stream.Close()
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9000", WithDefaultPort("127.0.0.1", 9000))
	assert.Equal(t, "127.0.0.1:9100", WithDefaultPort("127.0.0.1:9100", 9000))
	assert.Equal(t, "[::1]:9000", WithDefaultPort("::1", 9000))
	assert.Equal(t, ":9001", WithDefaultPort("", 9001))
}

func TestParseBluetoothAddress(t *testing.T) {
	addr, ok := ParseBluetoothAddress("aa:bb:cc:dd:ee:ff", 3)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF/3", addr.String())

	addr, ok = ParseBluetoothAddress("AA:BB:CC:DD:EE:FF/7", 3)
	require.True(t, ok)
	assert.Equal(t, 7, addr.Channel)

	for _, bad := range []string{"127.0.0.1", "AA:BB:CC:DD:EE", "AA:BB:CC:DD:EE:FF/99", "aa-bb-cc-dd-ee-ff"} {
		_, ok := ParseBluetoothAddress(bad, 3)
		assert.False(t, ok, bad)
	}
}

func TestPeerKeyCollapsesSpellings(t *testing.T) {
	tcp := NewTCP(9000, fastDial())
	assert.Equal(t, tcp.PeerKey("192.168.1.7:9000"), tcp.PeerKey(" 192.168.1.7 "))

	emulated := NewBluetooth(BluetoothOptions{Mode: BluetoothTCP, EmulationPort: 9001})
	assert.Equal(t, "127.0.0.1:9001", emulated.PeerKey("127.0.0.1"))
	assert.Equal(t, emulated.PeerKey("127.0.0.1"), emulated.PeerKey("127.0.0.1:9001"))

	auto := NewBluetooth(BluetoothOptions{Mode: BluetoothAuto, Channel: 3, EmulationPort: 9001})
	assert.Equal(t, "AA:BB:CC:DD:EE:FF/3", auto.PeerKey("aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, auto.PeerKey("AA:BB:CC:DD:EE:FF"), auto.PeerKey("aa:bb:cc:dd:ee:ff/3"))
	assert.NotEqual(t, auto.PeerKey("AA:BB:CC:DD:EE:FF/3"), auto.PeerKey("AA:BB:CC:DD:EE:FF/5"))
	assert.Equal(t, "10.0.0.2:9001", auto.PeerKey("10.0.0.2"))
}

func TestBluetoothEmulationUsesTCP(t *testing.T) {
	ctx := context.Background()
	bt := NewBluetooth(BluetoothOptions{Mode: BluetoothTCP, EmulationPort: 0, Dial: fastDial()})
	require.True(t, bt.Available())

	listener, err := bt.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		s, err := listener.Accept(ctx)
		if err == nil {
			_, _ = s.Write([]byte("ok"))
			_ = s.Close()
		}
	}()

	stream, err := bt.Connect(ctx, listener.Addr())
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, models.TransportBluetooth, stream.Kind())

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
}

func TestBluetoothRejectsNonMACInRFCOMMMode(t *testing.T) {
	bt := NewBluetooth(BluetoothOptions{Mode: BluetoothRFCOMM, Dial: fastDial()})
	_, err := bt.Connect(context.Background(), "127.0.0.1")
	assert.Error(t, err)
}

func TestSetGet(t *testing.T) {
	set := NewSet(NewTCP(9000, DialOptions{}), NewWebRTC())

	tcp, err := set.Get(models.TransportTCP)
	require.NoError(t, err)
	assert.Equal(t, models.TransportTCP, tcp.Kind())

	_, err = set.Get(models.TransportBluetooth)
	assert.ErrorIs(t, err, apperr.TransportUnavailable)

	webrtc, err := set.Get(models.TransportWebRTC)
	require.NoError(t, err)
	_, err = webrtc.Connect(context.Background(), "peer")
	assert.ErrorIs(t, err, apperr.TransportUnavailable)
}
