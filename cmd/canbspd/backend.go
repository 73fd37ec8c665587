package main

import (
	"fmt"
	"time"

	"github.com/sp-codialist/canbsp/internal/driver"
)

// simAutoComplete makes the simulated controller release each mailbox shortly
// after submission, so a sim soak run exercises the full completion path.
const simAutoComplete = 2 * time.Millisecond

// newBackend builds the selected peripheral backend. The backend is not
// started here; the stack brings it up on Start after programming filters.
func newBackend(cfg *appConfig) (driver.Driver, error) {
	switch cfg.backend {
	case "sim":
		return driver.NewSim(driver.SimConfig{
			Mailboxes:    cfg.mailboxes,
			AutoComplete: simAutoComplete,
		}), nil
	case "slcan":
		return driver.NewSLCAN(driver.SLCANConfig{
			Device:      cfg.serialDev,
			Baud:        cfg.baud,
			ReadTimeout: cfg.serialReadTO,
			Mailboxes:   cfg.mailboxes,
		}), nil
	case "socketcan":
		return driver.NewSocketCAN(driver.SocketCANConfig{
			Interface: cfg.canIf,
			Mailboxes: cfg.mailboxes,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use sim|slcan|socketcan)", cfg.backend)
	}
}
