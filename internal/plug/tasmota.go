package plug

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"lspm"
	"lspm/internal/config"
	"lspm/internal/logger"
)

const (
	tasmotaConnectTimeout = 10 * time.Second
	tasmotaDisconnectMs   = 250
)

// Tasmota drives Tasmota-flashed outlets through an MQTT broker. Commands go
// to cmnd/<topic>/POWER and the device reports results on stat/<topic>/POWER
// (or a RESULT JSON payload); a query is an empty POWER command.
type Tasmota struct {
	broker   string
	topic    string
	username string
	password string
	log      *logger.Logger

	client mqtt.Client

	mu      sync.Mutex
	pending chan lspm.PlugState
}

// NewTasmota builds a driver for the outlet publishing under cfg.Topic on the
// broker at cfg.Broker. Username/password authenticate against the broker.
func NewTasmota(cfg config.Plug, log *logger.Logger) *Tasmota {
	return &Tasmota{
		broker:   cfg.Broker,
		topic:    cfg.Topic,
		username: cfg.Username,
		password: cfg.Password,
		log:      log,
	}
}

// Connect establishes the broker session with exponential backoff and
// subscribes to the outlet's stat topics.
func (t *Tasmota) Connect(ctx context.Context) error {
	const op = "connect"

	if t.client != nil && t.client.IsConnected() {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.broker)
	opts.SetClientID("lspm-" + uuid.NewString()[:8])
	opts.SetUsername(t.username)
	opts.SetPassword(t.password)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(tasmotaConnectTimeout)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = tasmotaConnectTimeout

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			err := token.Error()
			if isBrokerAuthError(err) {
				// Bad credentials never recover; stop retrying.
				return backoff.Permanent(err)
			}
			t.log.Debugw("broker connect failed, backing off", "broker", t.broker, "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if isBrokerAuthError(err) {
			return &lspm.AuthenticationError{Op: op, Err: err}
		}
		return &lspm.ConnectivityError{Op: op, Err: err}
	}

	statTopic := fmt.Sprintf("stat/%s/+", t.topic)
	if token := client.Subscribe(statTopic, 1, t.onStat); token.Wait() && token.Error() != nil {
		client.Disconnect(tasmotaDisconnectMs)
		return &lspm.ConnectivityError{Op: op, Err: token.Error()}
	}

	t.client = client
	t.log.Debugw("broker session established", "broker", t.broker, "topic", t.topic)
	return nil
}

// QueryState asks the device for its relay state and waits for the stat
// report.
func (t *Tasmota) QueryState(ctx context.Context) (lspm.PlugState, error) {
	return t.command(ctx, "query state", "")
}

// SetState commands the relay and waits for the device to report the
// resulting state. A report disagreeing with the command is a protocol
// fault.
func (t *Tasmota) SetState(ctx context.Context, on bool) error {
	const op = "set state"
	payload := "OFF"
	if on {
		payload = "ON"
	}
	got, err := t.command(ctx, op, payload)
	if err != nil {
		return err
	}
	if got != stateFromBool(on) {
		return &lspm.ProtocolError{Op: op, Err: fmt.Errorf("device reported %s after commanding %s", got, payload)}
	}
	return nil
}

// Close drops the broker session.
func (t *Tasmota) Close() error {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(tasmotaDisconnectMs)
	}
	t.client = nil
	return nil
}

// command publishes one POWER command (empty payload = query) and waits for
// the next stat report.
func (t *Tasmota) command(ctx context.Context, op, payload string) (lspm.PlugState, error) {
	if t.client == nil || !t.client.IsConnected() {
		return lspm.PlugUnknown, &lspm.ConnectivityError{Op: op, Err: fmt.Errorf("broker session not established")}
	}

	ch := make(chan lspm.PlugState, 1)
	t.mu.Lock()
	t.pending = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
	}()

	cmndTopic := fmt.Sprintf("cmnd/%s/POWER", t.topic)
	if token := t.client.Publish(cmndTopic, 1, false, payload); token.Wait() && token.Error() != nil {
		return lspm.PlugUnknown, &lspm.ConnectivityError{Op: op, Err: token.Error()}
	}

	select {
	case state := <-ch:
		return state, nil
	case <-ctx.Done():
		return lspm.PlugUnknown, &lspm.ConnectivityError{Op: op, Err: fmt.Errorf("no stat report: %w", ctx.Err())}
	}
}

// onStat parses stat/<topic>/POWER and stat/<topic>/RESULT reports and hands
// the state to the waiting command, if any.
func (t *Tasmota) onStat(_ mqtt.Client, msg mqtt.Message) {
	state, ok := parsePowerPayload(msg.Payload())
	if !ok {
		return
	}
	t.mu.Lock()
	if t.pending != nil {
		select {
		case t.pending <- state:
		default:
		}
	}
	t.mu.Unlock()
}

// parsePowerPayload accepts both the bare ON/OFF stat payload and the RESULT
// JSON envelope {"POWER":"ON"}.
func parsePowerPayload(payload []byte) (lspm.PlugState, bool) {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var result struct {
			Power string `json:"POWER"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			return lspm.PlugUnknown, false
		}
		text = result.Power
	}
	switch strings.ToUpper(text) {
	case "ON":
		return lspm.PlugOn, true
	case "OFF":
		return lspm.PlugOff, true
	}
	return lspm.PlugUnknown, false
}

// isBrokerAuthError recognizes the CONNACK refusals that indicate bad
// credentials rather than an unreachable broker.
func isBrokerAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "not authorised")
}
