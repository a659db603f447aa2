package conf

import (
	"fmt"
	"time"
)

// Timeout bounds the relays' upstream socket lifecycle. Neither value
// maps onto anything the hand-rolled TCP state machine tracks per
// RFC 793 (there are no retransmission timers here); they exist purely
// to reclaim upstream sockets the real peer never answers or never
// stops sending keepalives on.
type Timeout struct {
	Dial time.Duration `yaml:"dial_timeout"`
	Idle time.Duration `yaml:"idle_timeout"`
}

func (c *Timeout) setDefaults() {
	if c.Dial == 0 {
		c.Dial = 10 * time.Second
	}
	if c.Idle == 0 {
		c.Idle = 5 * time.Minute
	}
}

func (c *Timeout) validate() []error {
	var errors []error
	if c.Dial < time.Second || c.Dial > time.Minute {
		errors = append(errors, fmt.Errorf("timeout.dial_timeout: must be between 1s-1m, got %s", c.Dial))
	}
	if c.Idle < time.Second || c.Idle > time.Hour {
		errors = append(errors, fmt.Errorf("timeout.idle_timeout: must be between 1s-1h, got %s", c.Idle))
	}
	return errors
}
