package storage

import (
	"errors"
	"time"

	logx "zulipnotify/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepDeliveries caps the delivery journal. 0 means 10000.
	KeepDeliveries int
}

const (
	defaultKeepDeliveries = 10000
	defaultDeliveryLimit  = 50
)

func (c Config) keep() int {
	if c.KeepDeliveries > 0 {
		return c.KeepDeliveries
	}
	return defaultKeepDeliveries
}

// Delivery records one send attempt of the Zulip handler.
type Delivery = logx.Delivery
