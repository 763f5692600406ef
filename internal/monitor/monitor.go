// Package monitor runs the battery monitoring and outlet control loop.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"lspm"
	"lspm/internal/battery"
	"lspm/internal/config"
	"lspm/internal/logger"
	"lspm/internal/plug"
)

// State describes the control relationship with the plug, not the plug
// itself.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateMonitoring   State = "MONITORING"
	StateFaulted      State = "FAULTED"
)

// Manager is the control loop: it polls the battery sensor, applies the
// hysteresis policy and drives the plug, tolerating transient device and
// network failures up to the retry ceiling.
//
// A Manager is single-threaded by construction: Run executes one cycle at a
// time and is the only mutator of the loop state, so no locking is needed.
type Manager struct {
	sensor battery.Sensor
	plug   plug.Client
	th     lspm.Thresholds
	opts   config.Monitor
	sink   EventSink
	log    *logger.Logger

	state         State
	lastCommanded lspm.PlugState
	retryBudget   int
}

// New wires a control loop. Zero tuning values fall back to the config
// package defaults; a nil sink discards events.
func New(sensor battery.Sensor, client plug.Client, th lspm.Thresholds, opts config.Monitor, sink EventSink, log *logger.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = config.DefaultCommandTimeout
	}
	if opts.RetryCeiling < 0 {
		opts.RetryCeiling = config.DefaultRetryCeiling
	}
	if sink == nil {
		sink = MultiSink{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		sensor:        sensor,
		plug:          client,
		th:            th,
		opts:          opts,
		sink:          sink,
		log:           log,
		state:         StateInitializing,
		lastCommanded: lspm.PlugUnknown,
	}
}

// State returns the loop's current control state.
func (m *Manager) State() State { return m.state }

// Run drives the loop until ctx is canceled (returns nil, a clean stop) or
// the loop faults (returns the terminal error; the process decision belongs
// to the caller). The held plug session is released either way, and no final
// command is ever issued on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	defer m.plug.Close()

	if err := m.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return m.fault(err)
	}
	m.state = StateMonitoring
	m.emit(lspm.EventStarted, "power supply monitoring started", nil)

	// First cycle right away; the ticker paces the rest.
	if err := m.cycle(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.emit(lspm.EventStopped, "power supply monitoring stopped", nil)
			return nil
		case <-ticker.C:
			if err := m.cycle(ctx); err != nil {
				return err
			}
		}
	}
}

// connect establishes the plug session, retrying connectivity faults with
// exponential backoff until ctx is canceled. Credential rejection is
// permanent: retrying with the same bad credentials cannot succeed.
func (m *Manager) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until canceled
	return backoff.Retry(func() error {
		cctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
		defer cancel()
		err := m.plug.Connect(cctx)
		switch {
		case err == nil:
			return nil
		case lspm.IsAuthentication(err):
			return backoff.Permanent(err)
		default:
			m.log.Warnw("smart plug unreachable, retrying", "err", err)
			return err
		}
	}, backoff.WithContext(bo, ctx))
}

// cycle runs one poll: sample, decide, command. A non-nil return is terminal
// (the loop has faulted).
func (m *Manager) cycle(ctx context.Context) error {
	reading, err := m.sensor.Read()
	if err != nil {
		// Sensor faults are not plug faults: hold, touching neither the
		// retry budget nor the last commanded state.
		m.log.Warnw("battery sensor unavailable, skipping cycle", "err", err)
		return nil
	}
	m.log.Debugw("battery sampled",
		"percentage", reading.Percentage,
		"power_plugged", reading.IsCharging,
	)

	decision := Decide(reading, m.lastCommanded, m.th)
	if decision == lspm.DecisionHold {
		return nil
	}

	on := decision == lspm.DecisionEnergize
	cctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	err = m.plug.SetState(cctx, on)
	cancel()
	if err != nil {
		return m.commandFailed(ctx, err)
	}

	m.lastCommanded = commandedState(decision)
	m.retryBudget = 0
	if on {
		m.emit(lspm.EventEnergized, "outlet energized, battery charging resumed", &reading)
	} else {
		m.emit(lspm.EventDeEnergized, "outlet de-energized, battery charging stopped", &reading)
	}

	return m.confirm(ctx)
}

// confirm re-queries the plug after a successful command to positively
// verify the physical state took effect. A confirmed mismatch voids the
// cached state and counts against the retry budget like any other
// protocol-class failure; a failed query is only logged, since the command
// itself already succeeded.
func (m *Manager) confirm(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	observed, err := m.plug.QueryState(cctx)
	cancel()
	if err != nil {
		m.log.Debugw("post-command state check failed", "err", err)
		return nil
	}
	if observed == m.lastCommanded {
		m.log.Debugw("plug state confirmed", "state", observed)
		return nil
	}
	mismatch := &lspm.ProtocolError{
		Op:  "confirm state",
		Err: fmt.Errorf("commanded %s but device reports %s", m.lastCommanded, observed),
	}
	m.lastCommanded = lspm.PlugUnknown
	return m.commandFailed(ctx, mismatch)
}

// commandFailed applies the fault policy to a failed plug interaction.
// Authentication faults are terminal immediately. Retriable faults keep the
// decision pending (the cached plug state is not advanced, so the same
// decision is re-attempted next cycle) until the retry ceiling is exceeded.
func (m *Manager) commandFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		// Canceled mid-command; the stop path owns shutdown.
		return nil
	}
	if lspm.IsAuthentication(err) {
		return m.fault(err)
	}

	m.retryBudget++
	m.log.Warnw("smart plug command failed",
		"err", err,
		"consecutive_failures", m.retryBudget,
		"ceiling", m.opts.RetryCeiling,
	)
	if m.retryBudget > m.opts.RetryCeiling {
		return m.fault(fmt.Errorf("retry ceiling %d exceeded: %w", m.opts.RetryCeiling, err))
	}

	// A malformed response leaves the session suspect; refresh it before
	// the next attempt.
	if lspm.IsProtocol(err) {
		cctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
		reconnectErr := m.plug.Connect(cctx)
		cancel()
		if reconnectErr != nil {
			if lspm.IsAuthentication(reconnectErr) {
				return m.fault(reconnectErr)
			}
			m.log.Warnw("session refresh failed", "err", reconnectErr)
		}
	}
	return nil
}

// fault moves the loop to its terminal state and surfaces the error to the
// caller. The loop stops polling; remediation (fixing credentials, restart)
// is external.
func (m *Manager) fault(err error) error {
	m.state = StateFaulted
	m.emit(lspm.EventFaulted, fmt.Sprintf("monitoring faulted: %v", err), nil)
	return fmt.Errorf("control loop faulted: %w", err)
}

// emit publishes a status event to the configured sink.
func (m *Manager) emit(eventType, description string, reading *lspm.BatteryReading) {
	m.sink.Emit(lspm.SwitchEvent{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		Type:        eventType,
		Description: description,
		Battery:     reading,
	})
}
