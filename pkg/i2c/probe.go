package i2c

import (
	"fmt"
	"time"

	"github.com/openbouffalo/bl808-hal/pkg/clock"
	"github.com/openbouffalo/bl808-hal/pkg/devicetree"
	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"github.com/platinasystems/log"
	"periph.io/x/conn/v3/physic"
)

// Compatible is the device tree compatible of the controller
const Compatible = "bflb,bl808-i2c"

// Device tree properties
const (
	PropClockFrequency = "clock-frequency"
	PropDeglitchCount  = "bflb,deglitch-count"
)

// DefaultBusRate is used when the node has no clock-frequency
const DefaultBusRate = 100 * physic.KiloHertz

// Resources is what Probe needs to bring up an adapter
type Resources struct {
	Node    *devicetree.Node
	Regs    driver.Registers
	IRQs    driver.InterruptController
	Parent  *clock.Clk
	Timeout time.Duration
}

// Probe sets up the bus clock, requests the interrupt and leaves the
// controller quiesced. Anything acquired is released again if a later step
// fails.
func Probe(res Resources) (*Adapter, error) {
	node := res.Node
	if node == nil || res.Regs == nil || res.IRQs == nil || res.Parent == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, "i2c probe: incomplete resources")
	}
	if !node.IsCompatible(Compatible) {
		return nil, driver.NewError(driver.StatusNoDevice, fmt.Sprintf("%s: not an i2c controller", node.Name()))
	}

	a := &Adapter{
		name:     fmt.Sprintf("bl808 (%s)", node.Name()),
		dev:      node.Name(),
		regs:     res.Regs,
		irqs:     res.IRQs,
		timeout:  res.Timeout,
		spurious: log.NewLimited(10),
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}

	deglitch := -1
	if node.Has(PropDeglitchCount) {
		v, err := node.Uint32(PropDeglitchCount)
		if err != nil || v > cfgDegCntMask>>cfgDegCntShift {
			return nil, driver.NewError(driver.StatusInvalidArgument,
				fmt.Sprintf("%s: %s %d", a.dev, PropDeglitchCount, v))
		}
		deglitch = int(v)
	}

	rate := DefaultBusRate
	if v, err := node.Uint32(PropClockFrequency); err != nil {
		log.Printf("warn", "%s: no %s, using %s", a.dev, PropClockFrequency, rate)
	} else {
		rate = physic.Frequency(v) * physic.Hertz
	}

	clk, err := clock.Register(a.dev+".bus", res.Parent, NewDivider(a.dev, a.regs))
	if err != nil {
		return nil, err
	}
	if err := clk.SetRateExclusive(rate); err != nil {
		return nil, fmt.Errorf("%s: setting bus rate %s: %w", a.dev, rate, err)
	}
	if err := clk.PrepareEnable(); err != nil {
		clk.RateExclusivePut()
		return nil, fmt.Errorf("%s: enabling bus clock: %w", a.dev, err)
	}
	a.clk = clk

	unwindClock := func() {
		clk.DisableUnprepare()
		clk.RateExclusivePut()
	}
	if a.irq, err = node.IRQ(0); err != nil {
		unwindClock()
		return nil, fmt.Errorf("%s: interrupt: %w", a.dev, err)
	}
	if err := a.irqs.Request(a.irq, a.dev, true, a); err != nil {
		unwindClock()
		return nil, fmt.Errorf("%s: requesting irq %d: %w", a.dev, a.irq, err)
	}

	a.mu.Lock()
	a.quiesceLocked()
	if deglitch >= 0 {
		driver.UpdateBits(a.regs, regConfig, cfgDegCntMask|cfgDegEn,
			uint32(deglitch)<<cfgDegCntShift|cfgDegEn)
	}
	a.mu.Unlock()

	log.Printf("info", "%s: %s at %s, irq %d", a.name, Compatible, clk.Rate(), a.irq)
	return a, nil
}
