package i2c

import (
	"fmt"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
	pi2c "github.com/platinasystems/i2c"
	"github.com/platinasystems/log"
	periphi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
)

var (
	_ periphi2c.BusCloser = (*Adapter)(nil)
	_ drivers.I2C         = (*Adapter)(nil)
)

// Tx writes w and then reads r in one transaction list. Addresses above
// 0x7f are sent as 10-bit addresses.
func (a *Adapter) Tx(addr uint16, w, r []byte) error {
	var flags pi2c.MessageFlags
	if addr > 0x7f {
		flags = pi2c.TenBit
	}
	var msgs []pi2c.Message
	if len(w) > 0 {
		msgs = append(msgs, pi2c.Message{Address: addr, Flags: flags, Data: w})
	}
	if len(r) > 0 {
		msgs = append(msgs, pi2c.Message{Address: addr, Flags: flags | pi2c.ReadData, Data: r})
	}
	if len(msgs) == 0 {
		return driver.NewError(driver.StatusInvalidArgument, a.dev+": empty transaction")
	}
	_, err := a.Transfer(msgs)
	return err
}

// ReadRegister implements drivers.I2C
func (a *Adapter) ReadRegister(addr uint8, r uint8, buf []byte) error {
	return a.Tx(uint16(addr), []byte{r}, buf)
}

// WriteRegister implements drivers.I2C
func (a *Adapter) WriteRegister(addr uint8, r uint8, buf []byte) error {
	return a.Tx(uint16(addr), append([]byte{r}, buf...), nil)
}

// SetSpeed implements periph's i2c.Bus by reprogramming the bus clock
// between transfers. The previous rate is restored if f is unreachable.
func (a *Adapter) SetSpeed(f physic.Frequency) error {
	a.bus.Lock()
	defer a.bus.Unlock()
	if a.closed {
		return driver.NewError(driver.StatusNoDevice, a.dev+": adapter closed")
	}
	old := a.clk.Rate()
	a.clk.RateExclusivePut()
	if err := a.clk.SetRateExclusive(f); err != nil {
		if rerr := a.clk.SetRateExclusive(old); rerr != nil {
			log.Print("err", a.dev, ": restoring bus rate: ", rerr)
		}
		return fmt.Errorf("%s: bus speed %s: %w", a.dev, f, err)
	}
	log.Print("info", a.dev, ": bus rate ", a.clk.Rate())
	return nil
}
