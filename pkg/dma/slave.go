package dma

import (
	"fmt"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
)

// maxRequest is the highest hardware request line number
const maxRequest = 31

// SlaveConfig describes the device end of peripheral transfers. SrcAddr and
// SrcWidth apply to device-to-memory transfers, DstAddr and DstWidth to
// memory-to-device ones. Zero bursts mean single beats.
type SlaveConfig struct {
	Peripheral  Peripheral
	Request     uint8
	SrcAddr     uint64
	DstAddr     uint64
	SrcWidth    BusWidth
	DstWidth    BusWidth
	SrcMaxBurst int
	DstMaxBurst int
}

func (c *Channel) validateSlave(cfg SlaveConfig) error {
	ctx := func(format string, args ...interface{}) error {
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: slave config: ", c)+fmt.Sprintf(format, args...))
	}

	if cfg.Peripheral == 0 || cfg.Peripheral&(cfg.Peripheral-1) != 0 {
		return ctx("peripheral %s is not a single class", cfg.Peripheral)
	}
	if cfg.Peripheral&c.ctrl.variant.Peripherals == 0 {
		return ctx("peripheral %s not served by %s", cfg.Peripheral, c.ctrl.variant.Compatible)
	}
	if cfg.Request > maxRequest {
		return ctx("request line %d", cfg.Request)
	}
	for _, w := range []BusWidth{cfg.SrcWidth, cfg.DstWidth} {
		if w == 0 {
			continue
		}
		if !w.Valid() || w > c.maxWidth() {
			return ctx("bus width %d bytes", int(w))
		}
	}
	if cfg.SrcWidth == 0 && cfg.DstWidth == 0 {
		return ctx("no bus width")
	}
	for _, b := range []int{cfg.SrcMaxBurst, cfg.DstMaxBurst} {
		if b < 0 || b > int(MaxBurst) {
			return ctx("burst of %d beats", b)
		}
	}
	for _, a := range []uint64{cfg.SrcAddr, cfg.DstAddr} {
		if a > maxBusAddr {
			return ctx("device address 0x%x out of range", a)
		}
	}
	return nil
}

// sideFor returns the device address, width and burst for a direction
func (cfg *SlaveConfig) sideFor(dir Direction) (addr uint64, width BusWidth, burst Burst, ok bool) {
	switch dir {
	case MemToDev:
		return cfg.DstAddr, cfg.DstWidth, burstFor(cfg.DstMaxBurst), cfg.DstWidth != 0
	case DevToMem:
		return cfg.SrcAddr, cfg.SrcWidth, burstFor(cfg.SrcMaxBurst), cfg.SrcWidth != 0
	}
	return 0, 0, 0, false
}
