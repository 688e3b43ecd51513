// Package clock is a minimal clock tree: fixed-rate roots and rate-settable
// children whose hardware implements set, round and recalculate.
package clock

import (
	"fmt"
	"sync"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"periph.io/x/conn/v3/physic"
)

// Hardware is the rate interface a clock provider implements. parent is
// the current rate of the parent clock.
type Hardware interface {
	SetRate(rate, parent physic.Frequency) error
	RoundRate(rate, parent physic.Frequency) (physic.Frequency, error)
	RecalcRate(parent physic.Frequency) physic.Frequency
}

// Clk is one node of the clock tree
type Clk struct {
	name   string
	parent *Clk
	hw     Hardware
	fixed  physic.Frequency

	mu        sync.Mutex
	rate      physic.Frequency
	prepared  int
	enabled   int
	exclusive int
}

// NewFixed creates a root clock running at rate
func NewFixed(name string, rate physic.Frequency) *Clk {
	return &Clk{name: name, fixed: rate, rate: rate}
}

// Register creates a clock fed by parent and driven by hw. The initial
// rate is read back from the hardware.
func Register(name string, parent *Clk, hw Hardware) (*Clk, error) {
	if parent == nil || hw == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, "registering clock "+name)
	}
	c := &Clk{name: name, parent: parent, hw: hw}
	c.rate = hw.RecalcRate(parent.Rate())
	return c, nil
}

// Name returns the clock name
func (c *Clk) Name() string {
	return c.name
}

// Parent returns the parent clock, nil for roots
func (c *Clk) Parent() *Clk {
	return c.parent
}

// Rate returns the cached rate
func (c *Clk) Rate() physic.Frequency {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// RecalcRate re-reads the rate from hardware and updates the cache
func (c *Clk) RecalcRate() physic.Frequency {
	if c.hw == nil {
		return c.fixed
	}
	parent := c.parent.Rate()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = c.hw.RecalcRate(parent)
	return c.rate
}

// RoundRate reports the rate SetRate(rate) would produce
func (c *Clk) RoundRate(rate physic.Frequency) (physic.Frequency, error) {
	if c.hw == nil {
		return c.fixed, nil
	}
	return c.hw.RoundRate(rate, c.parent.Rate())
}

// SetRate programs a new rate. It fails with StatusBusy while another
// consumer holds the rate exclusively.
func (c *Clk) SetRate(rate physic.Frequency) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exclusive > 0 {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("clock %s: rate is exclusive", c.name))
	}
	return c.setRateLocked(rate)
}

func (c *Clk) setRateLocked(rate physic.Frequency) error {
	if c.hw == nil {
		if rate == c.fixed {
			return nil
		}
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("clock %s: fixed at %s", c.name, c.fixed))
	}
	parent := c.parent.Rate()
	if err := c.hw.SetRate(rate, parent); err != nil {
		return fmt.Errorf("clock %s: %w", c.name, err)
	}
	c.rate = c.hw.RecalcRate(parent)
	return nil
}

// SetRateExclusive sets the rate and protects it from other consumers
// until RateExclusivePut.
func (c *Clk) SetRateExclusive(rate physic.Frequency) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exclusive > 0 {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("clock %s: rate is exclusive", c.name))
	}
	if err := c.setRateLocked(rate); err != nil {
		return err
	}
	c.exclusive++
	return nil
}

// RateExclusivePut drops the protection taken by SetRateExclusive
func (c *Clk) RateExclusivePut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exclusive == 0 {
		return
	}
	c.exclusive--
}

// PrepareEnable ungates the clock and its ancestors
func (c *Clk) PrepareEnable() error {
	if c.parent != nil {
		if err := c.parent.PrepareEnable(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared++
	c.enabled++
	return nil
}

// DisableUnprepare undoes one PrepareEnable
func (c *Clk) DisableUnprepare() {
	c.mu.Lock()
	if c.enabled == 0 {
		c.mu.Unlock()
		return
	}
	c.enabled--
	c.prepared--
	c.mu.Unlock()
	if c.parent != nil {
		c.parent.DisableUnprepare()
	}
}

// Enabled reports whether the clock has at least one enable
func (c *Clk) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled > 0
}

// String implements fmt.Stringer
func (c *Clk) String() string {
	return fmt.Sprintf("%s@%s", c.name, c.Rate())
}
