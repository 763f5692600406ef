package plug

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"lspm"
	"lspm/internal/config"
	"lspm/internal/logger"
)

// fakeKasaDevice speaks the length-prefixed XOR protocol on a loopback
// listener and tracks its relay state.
type fakeKasaDevice struct {
	ln net.Listener

	mu      sync.Mutex
	relayOn bool
	garble  bool // answer with junk instead of JSON
}

func startFakeKasa(t *testing.T) *fakeKasaDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeKasaDevice{ln: ln}
	go d.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return d
}

func (d *fakeKasaDevice) addr() string { return d.ln.Addr().String() }

func (d *fakeKasaDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeKasaDevice) handle(conn net.Conn) {
	defer conn.Close()

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return
	}
	body := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}

	var req kasaRequest
	if err := json.Unmarshal(kasaDecrypt(body), &req); err != nil {
		return
	}

	d.mu.Lock()
	var resp kasaMessage
	switch {
	case req.System.SetRelayState != nil:
		d.relayOn = req.System.SetRelayState.State == 1
		resp.System.SetRelayState = &kasaRelayState{}
	default:
		info := &kasaSysinfo{Alias: "desk plug", Model: "HS103(US)"}
		if d.relayOn {
			info.RelayState = 1
		}
		resp.System.GetSysinfo = info
	}
	garble := d.garble
	d.mu.Unlock()

	payload, _ := json.Marshal(resp)
	if garble {
		payload = []byte("!!not json!!")
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], kasaEncrypt(payload))
	_, _ = conn.Write(frame)
}

func newKasaUnderTest(address string) *Kasa {
	return NewKasa(config.Plug{Address: address}, logger.Nop())
}

func TestKasaCipherRoundTrip(t *testing.T) {
	t.Parallel()

	plain := []byte(`{"system":{"get_sysinfo":{}}}`)
	enc := kasaEncrypt(plain)
	if bytes.Equal(enc, plain) {
		t.Fatal("ciphertext equals plaintext")
	}
	if got := kasaDecrypt(enc); !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestKasaQueryAndSet(t *testing.T) {
	t.Parallel()

	device := startFakeKasa(t)
	k := newKasaUnderTest(device.addr())
	ctx := context.Background()

	if err := k.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	state, err := k.QueryState(ctx)
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	if state != lspm.PlugOff {
		t.Fatalf("initial state: want OFF, got %s", state)
	}

	if err := k.SetState(ctx, true); err != nil {
		t.Fatalf("SetState(true): %v", err)
	}
	if state, err = k.QueryState(ctx); err != nil || state != lspm.PlugOn {
		t.Fatalf("after energize: state=%s err=%v", state, err)
	}

	// Commanding the state it is already in must succeed (device no-ops).
	if err := k.SetState(ctx, true); err != nil {
		t.Fatalf("idempotent SetState(true): %v", err)
	}

	if err := k.SetState(ctx, false); err != nil {
		t.Fatalf("SetState(false): %v", err)
	}
	if state, err = k.QueryState(ctx); err != nil || state != lspm.PlugOff {
		t.Fatalf("after de-energize: state=%s err=%v", state, err)
	}
}

func TestKasaUnreachableIsConnectivityError(t *testing.T) {
	t.Parallel()

	// Grab a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	k := newKasaUnderTest(addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := k.Connect(ctx); !lspm.IsConnectivity(err) {
		t.Fatalf("want ConnectivityError, got %v", err)
	}
}

func TestKasaGarbledResponseIsProtocolError(t *testing.T) {
	t.Parallel()

	device := startFakeKasa(t)
	device.mu.Lock()
	device.garble = true
	device.mu.Unlock()

	k := newKasaUnderTest(device.addr())
	if _, err := k.QueryState(context.Background()); !lspm.IsProtocol(err) {
		t.Fatalf("want ProtocolError, got %v", err)
	}
}
