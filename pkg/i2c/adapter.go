// Package i2c is an interrupt driven master for the BL808 I2C controller.
// Transfers are lists of platinasystems/i2c messages; the adapter also
// serves as a periph.io bus and a TinyGo drivers.I2C.
package i2c

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbouffalo/bl808-hal/pkg/clock"
	"github.com/openbouffalo/bl808-hal/pkg/driver"
	pi2c "github.com/platinasystems/i2c"
	"github.com/platinasystems/log"
)

// MaxMessageLen is the longest message the packet length field can hold
const MaxMessageLen = 256

// maxSubAddrLen is the longest write that can be folded into a read as its
// sub-address
const maxSubAddrLen = 4

// DefaultTimeout bounds each Transfer
const DefaultTimeout = time.Second

// Functionality reported by the adapter. SMBus quick commands need zero
// length messages and block reads need a length taken from the data, so
// neither is emulated.
const Functionality = pi2c.I2C | pi2c.TenBit_Address |
	pi2c.SMBUS_Read_Byte | pi2c.SMBUS_Write_Byte |
	pi2c.SMBUS_Read_Byte_Data | pi2c.SMBUS_Write_Byte_Data |
	pi2c.SMBUS_Read_Word_Data | pi2c.SMBUS_Write_Word_Data |
	pi2c.SMBUS_Proc_Call | pi2c.SMBUS_Write_Block_Data |
	pi2c.SMBUS_Read_I2C_Block | pi2c.SMBUS_Write_I2C_Block

// Quirks are the adapter's message limits
type Quirks struct {
	MaxReadLen          int
	MaxWriteLen         int
	MaxCombinedWriteLen int
}

// Adapter is one I2C controller
type Adapter struct {
	name     string
	dev      string
	regs     driver.Registers
	irq      int
	irqs     driver.InterruptController
	clk      *clock.Clk
	timeout  time.Duration
	spurious *log.Limited

	// serializes Transfer callers
	bus    sync.Mutex
	closed bool

	// guards the transfer shared with the interrupt handler
	mu   sync.Mutex
	xfer *transfer
}

// Name returns the adapter name, e.g. "bl808 (i2c@2000a300)"
func (a *Adapter) Name() string {
	return a.name
}

// String implements periph's i2c.Bus
func (a *Adapter) String() string {
	return a.name
}

// IRQ returns the interrupt line
func (a *Adapter) IRQ() int {
	return a.irq
}

// Clock returns the bus clock divider
func (a *Adapter) Clock() *clock.Clk {
	return a.clk
}

// Functionality returns the supported transfer types
func (a *Adapter) Functionality() pi2c.FeatureFlag {
	return Functionality
}

// Quirks returns the adapter's message limits
func (a *Adapter) Quirks() Quirks {
	return Quirks{
		MaxReadLen:          MaxMessageLen,
		MaxWriteLen:         MaxMessageLen,
		MaxCombinedWriteLen: maxSubAddrLen,
	}
}

// Timeout returns the per-transfer timeout
func (a *Adapter) Timeout() time.Duration {
	a.bus.Lock()
	defer a.bus.Unlock()
	return a.timeout
}

// SetTimeout changes the per-transfer timeout
func (a *Adapter) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	a.bus.Lock()
	defer a.bus.Unlock()
	a.timeout = d
}

// BusBusy reports whether the controller sees the bus in use
func (a *Adapter) BusBusy() bool {
	return a.regs.Read32(regBusBusy)&busBusyInd != 0
}

// ClearBusBusy resets the busy indication
func (a *Adapter) ClearBusBusy() {
	driver.SetBits(a.regs, regBusBusy, busBusyClr)
}

func validate(msgs []pi2c.Message) error {
	if len(msgs) == 0 {
		return driver.NewError(driver.StatusInvalidArgument, "no messages")
	}
	for i, m := range msgs {
		if len(m.Data) == 0 || len(m.Data) > MaxMessageLen {
			return driver.NewError(driver.StatusInvalidArgument,
				fmt.Sprintf("message %d: %d bytes, limit 1..%d", i, len(m.Data), MaxMessageLen))
		}
		if m.Flags&^(pi2c.ReadData|pi2c.TenBit) != 0 {
			return driver.NewError(driver.StatusNotSupported,
				fmt.Sprintf("message %d: flags %#x", i, uint16(m.Flags)))
		}
		limit := uint16(0x7f)
		if m.Flags&pi2c.TenBit != 0 {
			limit = 0x3ff
		}
		if m.Address > limit {
			return driver.NewError(driver.StatusInvalidArgument,
				fmt.Sprintf("message %d: address %#x", i, m.Address))
		}
	}
	return nil
}

// Transfer runs msgs as one transaction list and returns the number of
// messages transferred
func (a *Adapter) Transfer(msgs []pi2c.Message) (int, error) {
	return a.TransferContext(context.Background(), msgs)
}

// TransferContext is Transfer with a context. The adapter timeout still
// applies; cancellation aborts the transfer the same way a timeout does.
func (a *Adapter) TransferContext(ctx context.Context, msgs []pi2c.Message) (int, error) {
	if err := validate(msgs); err != nil {
		return 0, err
	}

	a.bus.Lock()
	defer a.bus.Unlock()
	if a.closed {
		return 0, driver.NewError(driver.StatusNoDevice, a.dev+": adapter closed")
	}

	x := &transfer{msgs: msgs, done: make(chan error, 1)}
	a.mu.Lock()
	a.xfer = x
	a.startLocked(x)
	a.mu.Unlock()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-x.done:
		return a.result(msgs, err)
	case <-timer.C:
		err = driver.NewError(driver.StatusTimeout, fmt.Sprintf("%s: transfer timed out after %s", a.dev, a.timeout))
	case <-ctx.Done():
		err = ctx.Err()
	}

	a.mu.Lock()
	if a.xfer == x {
		a.quiesceLocked()
		a.xfer = nil
		a.mu.Unlock()
		log.Print("err", err)
		return 0, err
	}
	a.mu.Unlock()
	return a.result(msgs, <-x.done)
}

func (a *Adapter) result(msgs []pi2c.Message, err error) (int, error) {
	if err != nil {
		log.Print("debug", a.dev, ": transfer failed: ", err)
		return 0, err
	}
	return len(msgs), nil
}

// Close quiesces the controller and releases the interrupt and clock
func (a *Adapter) Close() error {
	a.bus.Lock()
	defer a.bus.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	a.mu.Lock()
	a.quiesceLocked()
	a.mu.Unlock()

	err := a.irqs.Free(a.irq, a)
	a.clk.RateExclusivePut()
	a.clk.DisableUnprepare()
	return err
}
