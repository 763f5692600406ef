package plug

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"lspm"
	"lspm/internal/config"
	"lspm/internal/logger"
)

const kasaPort = "9999"

// kasaCipherSeed is the initial autokey byte of the Kasa obfuscation scheme.
const kasaCipherSeed = 0xAB

// Kasa drives TP-Link Kasa outlets (HS100/HS103/HS110 family). The protocol
// is length-prefixed JSON over TCP port 9999, obfuscated with an autokey XOR
// stream. The device has no credentials, so authentication faults cannot
// occur; everything is connectivity- or protocol-class.
type Kasa struct {
	address string
	log     *logger.Logger
}

// NewKasa builds a driver for the outlet at cfg.Address.
func NewKasa(cfg config.Plug, log *logger.Logger) *Kasa {
	return &Kasa{address: cfg.Address, log: log}
}

type kasaRelayState struct {
	State   int `json:"state"`
	ErrCode int `json:"err_code,omitempty"`
}

type kasaSysinfo struct {
	RelayState int    `json:"relay_state"`
	Alias      string `json:"alias"`
	Model      string `json:"model"`
	ErrCode    int    `json:"err_code"`
}

// kasaRequest is the outbound command envelope; empty objects select the
// operation.
type kasaRequest struct {
	System struct {
		GetSysinfo    *struct{}       `json:"get_sysinfo,omitempty"`
		SetRelayState *kasaRelayState `json:"set_relay_state,omitempty"`
	} `json:"system"`
}

type kasaMessage struct {
	System struct {
		GetSysinfo    *kasaSysinfo    `json:"get_sysinfo,omitempty"`
		SetRelayState *kasaRelayState `json:"set_relay_state,omitempty"`
	} `json:"system"`
}

// Connect verifies the outlet is reachable. Kasa devices are sessionless; a
// successful sysinfo round trip is the whole handshake.
func (k *Kasa) Connect(ctx context.Context) error {
	_, err := k.sysinfo(ctx)
	return err
}

// QueryState reads the relay state.
func (k *Kasa) QueryState(ctx context.Context) (lspm.PlugState, error) {
	info, err := k.sysinfo(ctx)
	if err != nil {
		return lspm.PlugUnknown, err
	}
	return stateFromBool(info.RelayState == 1), nil
}

// SetState commands the relay. The device no-ops when already in the
// requested state.
func (k *Kasa) SetState(ctx context.Context, on bool) error {
	var req kasaRequest
	req.System.SetRelayState = &kasaRelayState{}
	if on {
		req.System.SetRelayState.State = 1
	}
	var resp kasaMessage
	if err := k.roundTrip(ctx, "set relay state", req, &resp); err != nil {
		return err
	}
	if rs := resp.System.SetRelayState; rs == nil || rs.ErrCode != 0 {
		return &lspm.ProtocolError{Op: "set relay state", Err: fmt.Errorf("device error code %d", errCode(rs))}
	}
	return nil
}

// Close is a no-op: connections are per-call.
func (k *Kasa) Close() error { return nil }

func (k *Kasa) sysinfo(ctx context.Context) (*kasaSysinfo, error) {
	var req kasaRequest
	req.System.GetSysinfo = &struct{}{}
	var resp kasaMessage
	if err := k.roundTrip(ctx, "query state", req, &resp); err != nil {
		return nil, err
	}
	info := resp.System.GetSysinfo
	if info == nil {
		return nil, &lspm.ProtocolError{Op: "query state", Err: fmt.Errorf("response carries no sysinfo")}
	}
	if info.ErrCode != 0 {
		return nil, &lspm.ProtocolError{Op: "query state", Err: fmt.Errorf("device error code %d", info.ErrCode)}
	}
	return info, nil
}

// roundTrip dials the outlet, sends one obfuscated frame and decodes the
// reply. Kasa firmware closes the connection after each exchange, so every
// call uses a fresh dial.
func (k *Kasa) roundTrip(ctx context.Context, op string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return &lspm.ProtocolError{Op: op, Err: err}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", kasaHostPort(k.address))
	if err != nil {
		return &lspm.ConnectivityError{Op: op, Err: err}
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], kasaEncrypt(payload))
	if _, err := conn.Write(frame); err != nil {
		return &lspm.ConnectivityError{Op: op, Err: err}
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return &lspm.ConnectivityError{Op: op, Err: err}
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > 1<<20 {
		return &lspm.ProtocolError{Op: op, Err: fmt.Errorf("implausible frame size %d", size)}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return &lspm.ConnectivityError{Op: op, Err: err}
	}

	if err := json.Unmarshal(kasaDecrypt(body), resp); err != nil {
		return &lspm.ProtocolError{Op: op, Err: err}
	}
	return nil
}

// kasaEncrypt applies the autokey XOR stream: each plaintext byte is XORed
// with the previous ciphertext byte, seeded with 0xAB.
func kasaEncrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := byte(kasaCipherSeed)
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

// kasaDecrypt reverses kasaEncrypt.
func kasaDecrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := byte(kasaCipherSeed)
	for i, b := range cipher {
		out[i] = key ^ b
		key = b
	}
	return out
}

// kasaHostPort appends the default device port unless the address already
// carries one.
func kasaHostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, kasaPort)
}

func errCode(rs *kasaRelayState) int {
	if rs == nil {
		return -1
	}
	return rs.ErrCode
}
