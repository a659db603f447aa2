package conf

import "testing"

func TestTUNSetDefaults(t *testing.T) {
	c := TUN{}
	c.setDefaults()

	if c.Name != "tunrelay0" {
		t.Errorf("expected Name=tunrelay0, got %s", c.Name)
	}
	if c.MTU != 1500 {
		t.Errorf("expected MTU=1500, got %d", c.MTU)
	}
}

func TestTUNSetDefaultsPreservesExisting(t *testing.T) {
	c := TUN{Name: "wg0", MTU: 9000}
	c.setDefaults()

	if c.Name != "wg0" {
		t.Errorf("expected Name=wg0, got %s", c.Name)
	}
	if c.MTU != 9000 {
		t.Errorf("expected MTU=9000, got %d", c.MTU)
	}
}

func TestTUNValidateValid(t *testing.T) {
	c := TUN{Name: "tun0", MTU: 1500}
	errs := c.validate()
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestTUNValidateMTUTooSmall(t *testing.T) {
	c := TUN{Name: "tun0", MTU: 100}
	errs := c.validate()
	if len(errs) == 0 {
		t.Error("expected error for MTU below 576")
	}
}

func TestTUNValidateMTUTooLarge(t *testing.T) {
	c := TUN{Name: "tun0", MTU: 70000}
	errs := c.validate()
	if len(errs) == 0 {
		t.Error("expected error for MTU above 65535")
	}
}
