package plug

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"lspm"
	"lspm/internal/config"
	"lspm/internal/logger"
)

// Tapo device error codes.
const (
	tapoErrNone           = 0
	tapoErrBadCredentials = -1501
	tapoErrSessionExpired = 9999
)

// Tapo drives TP-Link Tapo P100/P105 outlets. Commands are JSON exchanged
// over HTTP with the device, wrapped in the vendor's "securePassthrough"
// scheme: a handshake trades an RSA-encrypted AES session key, a login with
// hashed credentials yields a request token, and every later call travels
// AES-CBC encrypted inside the passthrough envelope.
type Tapo struct {
	address  string
	username string
	password string
	http     *http.Client
	log      *logger.Logger

	session *tapoSession
}

// tapoSession holds the negotiated cipher material and the device cookie.
type tapoSession struct {
	key    []byte
	iv     []byte
	cookie string
	token  string
}

// NewTapo builds a driver for the outlet at cfg.Address with the stored
// account credentials.
func NewTapo(cfg config.Plug, log *logger.Logger) *Tapo {
	return &Tapo{
		address:  cfg.Address,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{},
		log:      log,
	}
}

type tapoEnvelope struct {
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Connect performs the handshake and login, replacing any previous session.
func (t *Tapo) Connect(ctx context.Context) error {
	session, err := t.handshake(ctx)
	if err != nil {
		return err
	}
	t.session = session
	if err := t.login(ctx); err != nil {
		t.session = nil
		return err
	}
	t.log.Debugw("tapo session established", "address", t.address)
	return nil
}

// QueryState reads device_on from get_device_info.
func (t *Tapo) QueryState(ctx context.Context) (lspm.PlugState, error) {
	result, err := t.passthrough(ctx, "query state", map[string]any{
		"method":          "get_device_info",
		"requestTimeMils": time.Now().UnixMilli(),
	})
	if err != nil {
		return lspm.PlugUnknown, err
	}
	var info struct {
		DeviceOn bool `json:"device_on"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return lspm.PlugUnknown, &lspm.ProtocolError{Op: "query state", Err: err}
	}
	return stateFromBool(info.DeviceOn), nil
}

// SetState commands the outlet relay; devices already in the requested state
// acknowledge without effect.
func (t *Tapo) SetState(ctx context.Context, on bool) error {
	op := "set state"
	_, err := t.passthrough(ctx, op, map[string]any{
		"method":          "set_device_state",
		"params":          map[string]any{"device_on": on},
		"requestTimeMils": time.Now().UnixMilli(),
	})
	return err
}

// Close drops the session; the device expires it server-side on its own.
func (t *Tapo) Close() error {
	t.session = nil
	return nil
}

// handshake generates an RSA keypair, offers the public half to the device
// and recovers the AES key/IV the device encrypts against it.
func (t *Tapo) handshake(ctx context.Context) (*tapoSession, error) {
	const op = "connect"

	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	body := map[string]any{
		"method":          "handshake",
		"params":          map[string]any{"key": string(pubPEM)},
		"requestTimeMils": time.Now().UnixMilli(),
	}
	resp, cookie, err := t.post(ctx, op, "", body)
	if err != nil {
		return nil, err
	}
	if err := tapoCheckCode(op, resp.ErrorCode); err != nil {
		return nil, err
	}

	var result struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	wrapped, err := base64.StdEncoding.DecodeString(result.Key)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	material, err := rsa.DecryptPKCS1v15(rand.Reader, priv, wrapped)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	if len(material) < 32 {
		return nil, &lspm.ProtocolError{Op: op, Err: fmt.Errorf("short key material (%d bytes)", len(material))}
	}
	return &tapoSession{key: material[:16], iv: material[16:32], cookie: cookie}, nil
}

// login sends the hashed account credentials through the fresh session and
// stores the request token the device issues.
func (t *Tapo) login(ctx context.Context) error {
	const op = "connect"

	userDigest := sha1.Sum([]byte(t.username))
	inner := map[string]any{
		"method": "login_device",
		"params": map[string]any{
			"username": base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(userDigest[:]))),
			"password": base64.StdEncoding.EncodeToString([]byte(t.password)),
		},
		"requestTimeMils": time.Now().UnixMilli(),
	}
	result, err := t.passthrough(ctx, op, inner)
	if err != nil {
		return err
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return &lspm.ProtocolError{Op: op, Err: err}
	}
	if payload.Token == "" {
		return &lspm.ProtocolError{Op: op, Err: fmt.Errorf("login response carries no token")}
	}
	t.session.token = payload.Token
	return nil
}

// passthrough encrypts the inner request, sends it inside the
// securePassthrough envelope and returns the decrypted inner result.
func (t *Tapo) passthrough(ctx context.Context, op string, inner map[string]any) (json.RawMessage, error) {
	session := t.session
	if session == nil {
		return nil, &lspm.ProtocolError{Op: op, Err: fmt.Errorf("no device session, connect first")}
	}
	plain, err := json.Marshal(inner)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	encrypted, err := aesCBCEncrypt(session.key, session.iv, plain)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}

	outer := map[string]any{
		"method": "securePassthrough",
		"params": map[string]any{
			"request": base64.StdEncoding.EncodeToString(encrypted),
		},
	}
	resp, _, err := t.post(ctx, op, session.token, outer)
	if err != nil {
		return nil, err
	}
	if err := tapoCheckCode(op, resp.ErrorCode); err != nil {
		return nil, err
	}

	var wrapper struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(resp.Result, &wrapper); err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	cipherText, err := base64.StdEncoding.DecodeString(wrapper.Response)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	decrypted, err := aesCBCDecrypt(session.key, session.iv, cipherText)
	if err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}

	var innerResp tapoEnvelope
	if err := json.Unmarshal(decrypted, &innerResp); err != nil {
		return nil, &lspm.ProtocolError{Op: op, Err: err}
	}
	if err := tapoCheckCode(op, innerResp.ErrorCode); err != nil {
		return nil, err
	}
	return innerResp.Result, nil
}

// post sends one JSON request to the device /app endpoint and returns the
// outer envelope plus any session cookie the device set.
func (t *Tapo) post(ctx context.Context, op, token string, body map[string]any) (*tapoEnvelope, string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", &lspm.ProtocolError{Op: op, Err: err}
	}
	url := fmt.Sprintf("http://%s/app", t.address)
	if token != "" {
		url += "?token=" + token
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", &lspm.ProtocolError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.session != nil && t.session.cookie != "" {
		req.Header.Set("Cookie", t.session.cookie)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, "", &lspm.ConnectivityError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &lspm.ConnectivityError{Op: op, Err: fmt.Errorf("device returned HTTP %d", resp.StatusCode)}
	}

	var envelope tapoEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, "", &lspm.ProtocolError{Op: op, Err: err}
	}
	cookie := ""
	if c := resp.Header.Get("Set-Cookie"); c != "" {
		cookie = c
	}
	return &envelope, cookie, nil
}

// tapoCheckCode maps a device error code onto the fault taxonomy.
func tapoCheckCode(op string, code int) error {
	switch code {
	case tapoErrNone:
		return nil
	case tapoErrBadCredentials:
		return &lspm.AuthenticationError{Op: op}
	case tapoErrSessionExpired:
		return &lspm.ProtocolError{Op: op, Err: fmt.Errorf("device session expired")}
	default:
		return &lspm.ProtocolError{Op: op, Err: fmt.Errorf("device error code %d", code)}
	}
}

// aesCBCEncrypt encrypts plain with AES-128-CBC and PKCS#7 padding.
func aesCBCEncrypt(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// aesCBCDecrypt reverses aesCBCEncrypt.
func aesCBCDecrypt(key, iv, cipherText []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(cipherText) == 0 || len(cipherText)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(cipherText))
	}
	out := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, cipherText)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	return b[:len(b)-n], nil
}
