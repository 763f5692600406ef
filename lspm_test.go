package lspm

import (
	"errors"
	"fmt"
	"testing"
)

func TestThresholdsValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"narrow band", Thresholds{LowWatermark: 40, HighWatermark: 60}, false},
		{"adjacent", Thresholds{LowWatermark: 79, HighWatermark: 80}, false},
		{"negative low", Thresholds{LowWatermark: -1, HighWatermark: 80}, true},
		{"high above 100", Thresholds{LowWatermark: 20, HighWatermark: 101}, true},
		{"equal watermarks", Thresholds{LowWatermark: 50, HighWatermark: 50}, true},
		{"inverted", Thresholds{LowWatermark: 80, HighWatermark: 20}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.th.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate(%+v): want error=%v, got %v", tc.th, tc.wantErr, err)
			}
		})
	}
}

func TestFaultClassification(t *testing.T) {
	t.Parallel()

	authErr := &AuthenticationError{Op: "connect"}
	connErr := &ConnectivityError{Op: "set state", Err: errors.New("dial tcp: timeout")}
	protoErr := &ProtocolError{Op: "query state", Err: errors.New("device error code 9999")}
	wrapped := fmt.Errorf("commanding plug: %w", connErr)

	if !IsAuthentication(authErr) || IsRetriable(authErr) {
		t.Errorf("authentication fault must be terminal, not retriable")
	}
	if !IsConnectivity(connErr) || !IsRetriable(connErr) {
		t.Errorf("connectivity fault must be retriable")
	}
	if !IsProtocol(protoErr) || !IsRetriable(protoErr) {
		t.Errorf("protocol fault must be retriable")
	}
	if !IsRetriable(errors.Join(errors.New("context"), ErrSensorUnavailable)) {
		t.Errorf("sensor unavailability must be retriable")
	}
	if !IsConnectivity(wrapped) {
		t.Errorf("classification must see through wrapping")
	}
	if IsRetriable(errors.New("unclassified")) {
		t.Errorf("unclassified errors are not retriable")
	}
}
