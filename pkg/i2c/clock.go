package i2c

import (
	"fmt"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"github.com/platinasystems/log"
	"periph.io/x/conn/v3/physic"
)

// maxDivider is the largest value a phase length field holds
const maxDivider = prdPhaseMask

// Divider is the bus clock generator. The same divider is written to the
// four phases of the start, data and stop periods, giving a bus rate of
// parent / ((div+1) * 4).
type Divider struct {
	dev  string
	regs driver.Registers
}

// NewDivider returns the bus clock of the controller at regs
func NewDivider(dev string, regs driver.Registers) *Divider {
	return &Divider{dev: dev, regs: regs}
}

// divider returns the phase length for rate. clamped reports that rate was
// below the slowest the divider can produce.
func divider(rate, parent physic.Frequency) (div uint32, clamped bool, err error) {
	if rate <= 0 {
		return 0, false, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("bus rate %s", rate))
	}
	d := int64(parent/4/rate) - 1
	if d <= 0 {
		return 0, false, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("bus rate %s too fast for %s", rate, parent))
	}
	if d > maxDivider {
		return maxDivider, true, nil
	}
	return uint32(d), false, nil
}

func rateOf(div uint32, parent physic.Frequency) physic.Frequency {
	return parent / physic.Frequency((div+1)*4)
}

// SetRate implements clock.Hardware
func (d *Divider) SetRate(rate, parent physic.Frequency) error {
	div, clamped, err := divider(rate, parent)
	if err != nil {
		return err
	}
	if clamped {
		log.Printf("warn", "%s: bus rate %s below minimum, using %s", d.dev, rate, rateOf(div, parent))
	}
	var v uint32
	for i := 0; i < prdPhases; i++ {
		v |= div << (i * prdPhaseShift)
	}
	d.regs.Write32(regPrdStart, v)
	d.regs.Write32(regPrdData, v)
	d.regs.Write32(regPrdStop, v)
	return nil
}

// RoundRate implements clock.Hardware
func (d *Divider) RoundRate(rate, parent physic.Frequency) (physic.Frequency, error) {
	div, _, err := divider(rate, parent)
	if err != nil {
		return 0, err
	}
	return rateOf(div, parent), nil
}

// RecalcRate implements clock.Hardware. Every phase holds the same
// divider, so the first start phase is read.
func (d *Divider) RecalcRate(parent physic.Frequency) physic.Frequency {
	return rateOf(d.regs.Read32(regPrdStart)&prdPhaseMask, parent)
}
