package i2c

import (
	"fmt"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
	pi2c "github.com/platinasystems/i2c"
	"github.com/platinasystems/log"
)

// transfer is the state shared between Transfer and the interrupt handler
type transfer struct {
	msgs []pi2c.Message
	next int // first message not yet started
	cur  *pi2c.Message
	read bool
	buf  []byte // bytes of cur not yet moved through the FIFO
	done chan error
}

// combined reports whether msgs starts with a short register write that
// can ride along as the sub-address of the read that follows it
func combined(msgs []pi2c.Message) bool {
	if len(msgs) < 2 {
		return false
	}
	w, r := msgs[0], msgs[1]
	return w.Flags&pi2c.ReadData == 0 &&
		len(w.Data) >= 1 && len(w.Data) <= maxSubAddrLen &&
		r.Flags&pi2c.ReadData != 0 &&
		r.Address == w.Address &&
		r.Flags&pi2c.TenBit == w.Flags&pi2c.TenBit
}

// startLocked programs and enables the transaction for the next message
func (a *Adapter) startLocked(x *transfer) {
	var sub uint32
	subLen := 0
	if combined(x.msgs[x.next:]) {
		for i, b := range x.msgs[x.next].Data {
			sub |= uint32(b) << (8 * i)
		}
		subLen = len(x.msgs[x.next].Data)
		x.next++
	}
	msg := &x.msgs[x.next]
	x.next++
	x.cur = msg
	x.buf = msg.Data
	x.read = msg.Flags&pi2c.ReadData != 0

	cfg := a.regs.Read32(regConfig)
	cfg &^= cfgSubAddrEn | cfgSubAddrBCMask | cfg10BitAddrEn | cfgSlvAddrMask |
		cfgSclSyncEn | cfgPktDir | cfgPktLenMask
	if subLen > 0 {
		cfg |= cfgSubAddrEn | uint32(subLen-1)<<cfgSubAddrBCShft
	}
	if msg.Flags&pi2c.TenBit != 0 {
		cfg |= cfg10BitAddrEn
	}
	cfg |= uint32(msg.Address) << cfgSlvAddrShift & cfgSlvAddrMask
	if x.read {
		cfg |= cfgPktDir
	}
	cfg |= uint32(len(msg.Data)-1) << cfgPktLenShift & cfgPktLenMask
	a.regs.Write32(regSubAddr, sub)
	a.regs.Write32(regConfig, cfg)

	// clear stale events, then unmask everything except the FIFO event of
	// the other direction
	mask, en := uint32(stsRxfMask), uint32(stsRxfEn)
	if x.read {
		mask, en = stsTxfMask, stsTxfEn
	}
	sts := a.regs.Read32(regStatus)
	a.regs.Write32(regStatus, sts&^(stsAllMask|stsAllEn)|mask|stsAllEn&^en|stsAllClr)

	driver.SetBits(a.regs, regConfig, cfgMasterEn)
	log.Printf("debug", "%s: %s %d bytes at %#x, %d byte sub-address", a.dev,
		direction(x.read), len(msg.Data), msg.Address, subLen)
}

func direction(read bool) string {
	if read {
		return "read"
	}
	return "write"
}

// fillLocked moves pending bytes into the TX FIFO, four per word, while it
// has free slots
func (a *Adapter) fillLocked(x *transfer) {
	for len(x.buf) > 0 {
		free := a.regs.Read32(regFifoConfig1) & fifoTxCntMask >> fifoTxCntShift
		if free == 0 {
			return
		}
		n := min(4, len(x.buf))
		var w uint32
		for i := 0; i < n; i++ {
			w |= uint32(x.buf[i]) << (8 * i)
		}
		a.regs.Write32(regFifoWData, w)
		x.buf = x.buf[n:]
	}
}

// drainLocked moves received words out of the RX FIFO into the message
func (a *Adapter) drainLocked(x *transfer) {
	for len(x.buf) > 0 {
		avail := a.regs.Read32(regFifoConfig1) & fifoRxCntMask >> fifoRxCntShift
		if avail == 0 {
			return
		}
		w := a.regs.Read32(regFifoRData)
		n := min(4, len(x.buf))
		for i := 0; i < n; i++ {
			x.buf[i] = byte(w >> (8 * i))
		}
		x.buf = x.buf[n:]
	}
}

// disableLocked stops the master and flushes the FIFOs
func (a *Adapter) disableLocked() {
	driver.ClearBits(a.regs, regConfig, cfgMasterEn)
	driver.SetBits(a.regs, regFifoConfig0, fifoClearAll)
	driver.SetBits(a.regs, regStatus, stsAllClr)
}

// quiesceLocked leaves the controller disabled with every interrupt
// cleared, masked and disabled
func (a *Adapter) quiesceLocked() {
	a.disableLocked()
	driver.SetBits(a.regs, regStatus, stsAllClr)
	driver.SetBits(a.regs, regStatus, stsAllMask)
	driver.ClearBits(a.regs, regStatus, stsAllEn)
}

// finishLocked quiesces the controller and hands err to the waiting
// Transfer. The transfer is detached first so it completes only once.
func (a *Adapter) finishLocked(x *transfer, err error) {
	a.quiesceLocked()
	a.xfer = nil
	x.done <- err
}

// pending returns the raw interrupt bits that are not masked
func pending(sts uint32) uint32 {
	return sts & stsAllInt &^ (sts & stsAllMask >> 8)
}

// HandleInterrupt implements driver.InterruptHandler
func (a *Adapter) HandleInterrupt(irq int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sts := a.regs.Read32(regStatus)
	bits := pending(sts)
	x := a.xfer
	if x == nil {
		if bits == 0 {
			return
		}
		a.spurious.Printf("err", "%s: interrupt %#x with no transfer running", a.dev, bits)
		a.quiesceLocked()
		return
	}

	switch {
	case bits&stsArbInt != 0:
		a.finishLocked(x, driver.NewError(driver.StatusTryAgain,
			fmt.Sprintf("%s: arbitration lost", a.dev)))
	case bits&stsNakInt != 0:
		a.finishLocked(x, driver.NewError(driver.StatusNoDevice,
			fmt.Sprintf("%s: no ack from %#x", a.dev, x.cur.Address)))
	case bits&stsFerInt != 0:
		fifo := a.regs.Read32(regFifoConfig0)
		for _, f := range []struct {
			bit  uint32
			what string
		}{
			{fifoTxOvflw, "tx overflow"},
			{fifoTxUdflw, "tx underflow"},
			{fifoRxOvflw, "rx overflow"},
			{fifoRxUdflw, "rx underflow"},
		} {
			if fifo&f.bit != 0 {
				log.Print("err", a.dev, ": fifo ", f.what)
			}
		}
		driver.SetBits(a.regs, regFifoConfig0, fifoClearAll)
		a.finishLocked(x, driver.NewError(driver.StatusIOError,
			fmt.Sprintf("%s: fifo error %#x", a.dev, fifo)))
	case bits&stsEndInt != 0:
		if x.read {
			a.drainLocked(x)
		}
		switch {
		case len(x.buf) > 0:
			a.finishLocked(x, driver.NewError(driver.StatusRemoteIOError,
				fmt.Sprintf("%s: %d bytes left at end of transaction", a.dev, len(x.buf))))
		case x.next < len(x.msgs):
			a.disableLocked()
			a.startLocked(x)
		default:
			a.finishLocked(x, nil)
		}
	case bits&stsRxfInt != 0:
		if len(x.buf) == 0 {
			a.finishLocked(x, driver.NewError(driver.StatusRemoteIOError,
				fmt.Sprintf("%s: receive data with no room left", a.dev)))
			return
		}
		a.drainLocked(x)
	case bits&stsTxfInt != 0:
		if len(x.buf) == 0 {
			// nothing left to send, wait for END
			sts := a.regs.Read32(regStatus)
			a.regs.Write32(regStatus, (sts|stsTxfMask)&^stsTxfEn)
			return
		}
		a.fillLocked(x)
	default:
		log.Printf("warn", "%s: unexpected interrupt, status %#x", a.dev, sts)
		driver.SetBits(a.regs, regStatus, stsAllClr)
	}
}
