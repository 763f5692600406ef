// Package plug talks to networked smart outlets. The control loop depends
// only on the Client capability; vendor wire protocols live in per-model
// drivers selected through the configuration.
package plug

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lspm"
	"lspm/internal/config"
	"lspm/internal/logger"
)

// Client is the capability the control loop drives.
//
// Connect establishes or refreshes the device session. QueryState reports the
// current outlet state. SetState is idempotent: commanding the state the
// outlet is already in succeeds without effect. All calls honor ctx for
// cancellation and deadlines; a deadline hit surfaces as a ConnectivityError.
type Client interface {
	Connect(ctx context.Context) error
	QueryState(ctx context.Context) (lspm.PlugState, error)
	SetState(ctx context.Context, on bool) error
	Close() error
}

// constructors maps a lower-cased model name to its driver.
var constructors = map[string]func(config.Plug, *logger.Logger) Client{
	"tapo":    newTapoClient,
	"p100":    newTapoClient,
	"p105":    newTapoClient,
	"kasa":    newKasaClient,
	"hs100":   newKasaClient,
	"hs103":   newKasaClient,
	"hs110":   newKasaClient,
	"tasmota": newTasmotaClient,
}

// New builds the driver matching the configured plug model.
func New(cfg config.Plug, log *logger.Logger) (Client, error) {
	ctor, ok := constructors[strings.ToLower(cfg.Model)]
	if !ok {
		return nil, fmt.Errorf("unsupported smart plug model %q (supported: %s)",
			cfg.Model, strings.Join(SupportedModels(), ", "))
	}
	return ctor(cfg, log), nil
}

// SupportedModels lists the model names New accepts.
func SupportedModels() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newTapoClient(cfg config.Plug, log *logger.Logger) Client    { return NewTapo(cfg, log) }
func newKasaClient(cfg config.Plug, log *logger.Logger) Client    { return NewKasa(cfg, log) }
func newTasmotaClient(cfg config.Plug, log *logger.Logger) Client { return NewTasmota(cfg, log) }

// stateFromBool converts a relay flag to the domain state.
func stateFromBool(on bool) lspm.PlugState {
	if on {
		return lspm.PlugOn
	}
	return lspm.PlugOff
}
