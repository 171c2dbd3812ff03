// Package ble implements the BLE transport: scan, connect, subscribe to
// the FMS characteristics, and forward raw notification bytes upstream. It
// is unaware of FMS record semantics — decoding lives in internal/fms.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/olympum/oarsman-bridge/internal/fms"
	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

// ConnErrorKind classifies a Connect failure per spec.md §4.1.
type ConnErrorKind string

const (
	ErrNotFound    ConnErrorKind = "not_found"
	ErrUnsupported ConnErrorKind = "unsupported"
	ErrTransport   ConnErrorKind = "transport"
)

// ConnectError wraps a classified connection failure.
type ConnectError struct {
	Kind ConnErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("ble: %s", e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// State is a connection-lifecycle event delivered to Transport's state
// callback.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// StateEvent pairs a State with an optional error kind, for StateError.
type StateEvent struct {
	State State
	Kind  ConnErrorKind
}

// NotificationFunc receives raw wire-order bytes from a subscribed
// characteristic, unmodified.
type NotificationFunc func(characteristicUUID string, data []byte)

// Transport scans, connects, and subscribes to the FMS service over real
// Bluetooth LE. It never parses notification bytes.
type Transport struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	device  *bluetooth.Device
	address string

	onNotify NotificationFunc
	onState  func(StateEvent)
}

// NewTransport wraps the platform's default BLE adapter.
func NewTransport() *Transport {
	return &Transport{adapter: bluetooth.DefaultAdapter}
}

// OnNotification registers the callback invoked for every subscribed
// characteristic notification.
func (t *Transport) OnNotification(f NotificationFunc) { t.onNotify = f }

// OnState registers the callback invoked for connection-lifecycle events.
func (t *Transport) OnState(f func(StateEvent)) { t.onState = f }

// ScanResult is a single discovered peripheral.
type ScanResult struct {
	Address string
	Name    string
	RSSI    int
}

// Scan discovers nearby peripherals for up to duration, returning every
// result seen. It may be called concurrently with an active connection.
func (t *Transport) Scan(ctx context.Context, duration time.Duration) ([]ScanResult, error) {
	if err := t.adapter.Enable(); err != nil {
		return nil, &ConnectError{Kind: ErrTransport, Err: err}
	}

	var (
		mu      sync.Mutex
		results []ScanResult
		seen    = map[string]bool{}
	)

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			mu.Lock()
			defer mu.Unlock()
			addr := result.Address.String()
			if seen[addr] {
				return
			}
			seen[addr] = true
			results = append(results, ScanResult{
				Address: addr,
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			})
		})
	}()

	select {
	case <-scanCtx.Done():
		_ = t.adapter.StopScan()
		<-done
	case err := <-done:
		if err != nil {
			return nil, &ConnectError{Kind: ErrTransport, Err: err}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]ScanResult(nil), results...), nil
}

// Connect is idempotent: connecting to the already-connected address is a
// no-op. It discovers the FTMS primary service and at least one of the IBD
// or RD characteristics, subscribing to whichever are present.
func (t *Transport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	if t.device != nil && t.address == address {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.adapter.Enable(); err != nil {
		return &ConnectError{Kind: ErrTransport, Err: err}
	}

	t.emitState(StateEvent{State: StateConnecting})

	connCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	found, err := t.findByAddress(connCtx, address)
	if err != nil {
		t.emitState(StateEvent{State: StateError, Kind: ErrNotFound})
		return &ConnectError{Kind: ErrNotFound, Err: err}
	}

	var device bluetooth.Device
	connected := make(chan error, 1)
	go func() {
		d, err := t.adapter.Connect(found.Address, bluetooth.ConnectionParams{})
		if err == nil {
			device = d
		}
		connected <- err
	}()

	select {
	case <-connCtx.Done():
		return &ConnectError{Kind: ErrNotFound, Err: connCtx.Err()}
	case err := <-connected:
		if err != nil {
			t.emitState(StateEvent{State: StateError, Kind: ErrNotFound})
			return &ConnectError{Kind: ErrNotFound, Err: err}
		}
	}

	svcUUID, err := bluetooth.ParseUUID(fms.ServiceUUID)
	if err != nil {
		_ = device.Disconnect()
		return &ConnectError{Kind: ErrTransport, Err: err}
	}
	services, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		t.emitState(StateEvent{State: StateError, Kind: ErrUnsupported})
		return &ConnectError{Kind: ErrUnsupported, Err: errors.New("peer does not expose FMS service")}
	}

	ibdUUID, _ := bluetooth.ParseUUID(fms.IndoorBikeDataUUID)
	rdUUID, _ := bluetooth.ParseUUID(fms.RowerDataUUID)
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{ibdUUID, rdUUID})
	if err != nil || len(chars) == 0 {
		_ = device.Disconnect()
		t.emitState(StateEvent{State: StateError, Kind: ErrUnsupported})
		return &ConnectError{Kind: ErrUnsupported, Err: errors.New("peer exposes neither IBD nor RD characteristic")}
	}

	for i := range chars {
		c := chars[i]
		uuid := c.UUID().String()
		if err := c.EnableNotifications(func(buf []byte) {
			if t.onNotify != nil {
				cp := make([]byte, len(buf))
				copy(cp, buf)
				t.onNotify(uuid, cp)
			}
		}); err != nil {
			_ = device.Disconnect()
			t.emitState(StateEvent{State: StateError, Kind: ErrTransport})
			return &ConnectError{Kind: ErrTransport, Err: err}
		}
	}

	t.mu.Lock()
	t.device = &device
	t.address = address
	t.mu.Unlock()

	t.emitState(StateEvent{State: StateConnected})
	return nil
}

// findByAddress scans until a peer advertising the given address string is
// seen, or ctx is done. tinygo.org/x/bluetooth only exposes Connect(Address)
// for a bluetooth.ScanResult it has itself produced, so every connect is
// preceded by a short targeted scan.
func (t *Transport) findByAddress(ctx context.Context, address string) (bluetooth.ScanResult, error) {
	var (
		mu    sync.Mutex
		found bluetooth.ScanResult
		ok    bool
	)
	done := make(chan error, 1)
	go func() {
		done <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			mu.Lock()
			defer mu.Unlock()
			if ok {
				return
			}
			if result.Address.String() == address {
				found = result
				ok = true
				_ = adapter.StopScan()
			}
		})
	}()

	select {
	case <-ctx.Done():
		_ = t.adapter.StopScan()
		<-done
		return bluetooth.ScanResult{}, ctx.Err()
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			return bluetooth.ScanResult{}, err
		}
		if !ok {
			return bluetooth.ScanResult{}, fmt.Errorf("device %s not found", address)
		}
		return found, nil
	}
}

// Disconnect is idempotent and terminates subscriptions.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	t.mu.Unlock()

	if device == nil {
		return nil
	}
	err := device.Disconnect()
	t.emitState(StateEvent{State: StateDisconnected})
	return err
}

// LastAddress returns the most recently connected address, retained across
// a disconnect so the reconnect policy in internal/source knows what to
// redial.
func (t *Transport) LastAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// IsConnected reports whether a device is currently connected.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device != nil
}

func (t *Transport) emitState(e StateEvent) {
	if t.onState != nil {
		t.onState(e)
	}
}

// InferDescriptor builds a telemetry.Device from a scan result, per the
// kind-inference rule in spec.md §3.
func InferDescriptor(r ScanResult) telemetry.Device {
	rssi := r.RSSI
	return telemetry.Device{
		Address: r.Address,
		Name:    r.Name,
		Kind:    telemetry.InferKind(r.Name),
		RSSI:    &rssi,
		Origin:  telemetry.OriginLive,
	}
}
