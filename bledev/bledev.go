// Package bledev is the BLE central used by the control panel: scanning,
// connecting, GATT discovery, writes and notifications.
package bledev

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("device not found")
	ErrNoService     = errors.New("service not found")
	ErrNoChar        = errors.New("characteristic not found")
	ErrNotNotifiable = errors.New("characteristic does not support notify or indicate")
	ErrNotWritable   = errors.New("characteristic is not writable")
	ErrDisconnected  = errors.New("device disconnected")
	ErrAdapterOff    = errors.New("bluetooth adapter is not powered on")
	ErrBadFormat     = errors.New("unknown data format")
	ErrBadHex        = errors.New("invalid hex data")
)

// Device is a peripheral seen while scanning.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi"`
}

// Characteristic describes one discovered characteristic.
type Characteristic struct {
	UUID        string   `json:"uuid"`
	Description string   `json:"description"`
	Properties  []string `json:"properties"`
}

// Service describes one discovered service and its characteristics.
type Service struct {
	UUID            string           `json:"uuid"`
	Description     string           `json:"description"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Notification is a value pushed by a subscribed characteristic.
type Notification struct {
	Characteristic string    `json:"characteristic"`
	Time           time.Time `json:"time"`
	Raw            []byte    `json:"-"`
	Value          string    `json:"value"`
	Encoding       string    `json:"encoding"`
}

// Adapter is the local BLE radio acting as central.
type Adapter interface {
	// Scan listens for advertisements for the given duration.
	Scan(ctx context.Context, timeout time.Duration) ([]Device, error)
	Connect(ctx context.Context, address string) (Conn, error)
}

// Conn is an established link to a peripheral.
type Conn interface {
	Address() string
	Services(ctx context.Context) ([]Service, error)
	Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error
	Subscribe(ctx context.Context, charUUID string, fn func(Notification)) error
	Disconnect(ctx context.Context) error
	// Disconnected is closed once the link is gone, whoever dropped it.
	Disconnected() <-chan struct{}
}
