package conf

import "fmt"

// TUN configures the virtual interface the engine reads and writes
// whole IPv4 packets through.
type TUN struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
}

func (c *TUN) setDefaults() {
	if c.Name == "" {
		c.Name = "tunrelay0"
	}
	if c.MTU == 0 {
		c.MTU = 1500
	}
}

func (c *TUN) validate() []error {
	var errors []error
	if c.MTU < 576 || c.MTU > 65535 {
		errors = append(errors, fmt.Errorf("tun.mtu: must be between 576 and 65535, got %d", c.MTU))
	}
	return errors
}
