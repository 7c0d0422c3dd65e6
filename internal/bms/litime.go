package bms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// LiTime GATT layout.
var (
	serviceUUID = bluetooth.New16BitUUID(0xFFE0)
	notifyUUID  = bluetooth.New16BitUUID(0xFFE1)
	writeUUID   = bluetooth.New16BitUUID(0xFFE2)
)

const updateTimeout = 5 * time.Second

// LiTimeClient implements Client for LiTime LiFePO4 batteries over BLE.
type LiTimeClient struct {
	adapter *bluetooth.Adapter
	address string
	logger  *slog.Logger

	// mu guards fields touched by the BlueZ notification callback.
	mu         sync.Mutex
	connected  bool
	disconnect func() error
	write      bluetooth.DeviceCharacteristic
	rxBuf      []byte
	frames     chan []byte

	status Status
}

// NewLiTimeClient creates a client bound to the BMS at address
// ("AA:BB:CC:DD:EE:FF"). The adapter must already be enabled.
func NewLiTimeClient(adapter *bluetooth.Adapter, address string, logger *slog.Logger) *LiTimeClient {
	return &LiTimeClient{
		adapter: adapter,
		address: address,
		logger:  logger.With("component", "bms", "address", address),
		frames:  make(chan []byte, 1),
	}
}

type connectResult struct {
	disconnect func() error
	write      bluetooth.DeviceCharacteristic
	err        error
}

// Connect establishes the BLE connection and subscribes to status frames.
// The underlying BlueZ call cannot be cancelled; if ctx expires first the
// late connection is torn down in the background.
func (c *LiTimeClient) Connect(ctx context.Context) error {
	mac, err := bluetooth.ParseMAC(c.address)
	if err != nil {
		return fmt.Errorf("parse bms address %q: %w", c.address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	done := make(chan connectResult, 1)
	go func() {
		done <- c.dial(addr)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		c.mu.Lock()
		c.connected = true
		c.disconnect = res.disconnect
		c.write = res.write
		c.rxBuf = nil
		c.mu.Unlock()
		c.logger.Info("bms connected")
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				_ = res.disconnect()
			}
		}()
		return fmt.Errorf("bms connect: %w", ctx.Err())
	}
}

func (c *LiTimeClient) dial(addr bluetooth.Address) connectResult {
	device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return connectResult{err: fmt.Errorf("bms connect: %w", err)}
	}
	fail := func(err error) connectResult {
		_ = device.Disconnect()
		return connectResult{err: err}
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		return fail(fmt.Errorf("bms discover service: %v", err))
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{notifyUUID, writeUUID})
	if err != nil {
		return fail(fmt.Errorf("bms discover characteristics: %w", err))
	}

	var notify, write *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case notifyUUID:
			notify = &chars[i]
		case writeUUID:
			write = &chars[i]
		}
	}
	if notify == nil || write == nil {
		return fail(fmt.Errorf("bms characteristics missing"))
	}
	if err := notify.EnableNotifications(c.handleNotification); err != nil {
		return fail(fmt.Errorf("bms enable notifications: %w", err))
	}
	return connectResult{disconnect: device.Disconnect, write: *write}
}

// handleNotification reassembles status frames split across notifications.
func (c *LiTimeClient) handleNotification(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxBuf = append(c.rxBuf, data...)
	if len(c.rxBuf) < statusFrameLen {
		return
	}
	frame := c.rxBuf
	c.rxBuf = nil
	select {
	case c.frames <- frame:
	default:
		c.logger.Debug("dropping unsolicited status frame")
	}
}

func (c *LiTimeClient) Disconnect() error {
	c.mu.Lock()
	disconnect := c.disconnect
	c.connected = false
	c.disconnect = nil
	c.mu.Unlock()
	if disconnect == nil {
		return nil
	}
	c.logger.Info("bms disconnected")
	return disconnect()
}

func (c *LiTimeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Update sends the status query and waits for the reply. A failed write
// marks the link as lost.
func (c *LiTimeClient) Update(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	write := c.write
	c.rxBuf = nil
	c.mu.Unlock()

	// Drop a stale frame left from a previous timed-out request.
	select {
	case <-c.frames:
	default:
	}

	if _, err := write.WriteWithoutResponse(statusQuery); err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("bms write query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()
	select {
	case frame := <-c.frames:
		st, err := ParseStatus(frame)
		if err != nil {
			return err
		}
		c.status = *st
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bms status reply: %w", ctx.Err())
	}
}

func (c *LiTimeClient) TotalVoltage() float64      { return c.status.TotalVoltage }
func (c *LiTimeClient) CellVoltageSum() float64    { return c.status.CellVoltageSum }
func (c *LiTimeClient) CellVoltages() []float64    { return append([]float64(nil), c.status.CellVoltages...) }
func (c *LiTimeClient) Current() float64           { return c.status.Current }
func (c *LiTimeClient) SOC() int                   { return c.status.SOC }
func (c *LiTimeClient) SOH() string                { return c.status.SOH }
func (c *LiTimeClient) RemainingAh() float64       { return c.status.RemainingAh }
func (c *LiTimeClient) FullCapacityAh() float64    { return c.status.FullCapacityAh }
func (c *LiTimeClient) MosfetTemp() int            { return c.status.MosfetTemp }
func (c *LiTimeClient) CellTemp() int              { return c.status.CellTemp }
func (c *LiTimeClient) BatteryState() string       { return c.status.BatteryState }
func (c *LiTimeClient) ProtectionState() string    { return c.status.ProtectionState }
func (c *LiTimeClient) FailureState() string       { return c.status.FailureState }
func (c *LiTimeClient) BalancingState() string     { return c.status.BalancingState }
func (c *LiTimeClient) BalanceMemory() string      { return c.status.BalanceMemory }
func (c *LiTimeClient) HeatState() string          { return c.status.HeatState }
func (c *LiTimeClient) DischargesCount() uint32    { return c.status.DischargesCount }
func (c *LiTimeClient) DischargesAhCount() float64 { return c.status.DischargesAhCount }
