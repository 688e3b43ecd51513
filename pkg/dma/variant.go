package dma

import (
	"fmt"
	"math/bits"
	"strings"
)

// Peripheral is a set of peripheral classes a controller can serve
type Peripheral uint16

const (
	PeripheralUART Peripheral = 1 << iota
	PeripheralI2C
	PeripheralSPI
	PeripheralADC
	PeripheralIR
	PeripheralGPIO
	PeripheralAudio
	PeripheralI2S
	PeripheralPDM
	PeripheralDBI
	PeripheralDSI
)

const (
	// PeripheralsDMA is the peripheral set of the general purpose engines
	PeripheralsDMA = PeripheralUART | PeripheralI2C | PeripheralSPI | PeripheralADC |
		PeripheralIR | PeripheralGPIO | PeripheralAudio | PeripheralI2S | PeripheralPDM
	// PeripheralsMM is the peripheral set of the multimedia engine
	PeripheralsMM = PeripheralUART | PeripheralI2C | PeripheralSPI | PeripheralDBI | PeripheralDSI
)

var peripheralNames = []string{
	"uart", "i2c", "spi", "adc", "ir", "gpio", "audio", "i2s", "pdm", "dbi", "dsi",
}

func (p Peripheral) String() string {
	if p == 0 {
		return "none"
	}
	var names []string
	for i, name := range peripheralNames {
		if p&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if rest := p &^ (1<<len(peripheralNames) - 1); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(names, "|")
}

// ParsePeripheral returns the peripheral class named s
func ParsePeripheral(s string) (Peripheral, error) {
	for i, name := range peripheralNames {
		if strings.EqualFold(s, name) {
			return 1 << i, nil
		}
	}
	return 0, fmt.Errorf("unknown peripheral %q", s)
}

// Variant describes one controller instance of the SoC
type Variant struct {
	Compatible  string
	Channels    int
	Peripherals Peripheral
}

// Variants lists the three DMA engines
var Variants = []Variant{
	{Compatible: "bflb,bl808-dma0", Channels: 8, Peripherals: PeripheralsDMA},
	{Compatible: "bflb,bl808-dma1", Channels: 4, Peripherals: PeripheralsDMA},
	{Compatible: "bflb,bl808-dma2", Channels: 8, Peripherals: PeripheralsMM},
}

// LookupVariant finds the variant for a compatible string
func LookupVariant(compatible string) (Variant, bool) {
	for _, v := range Variants {
		if v.Compatible == compatible {
			return v, true
		}
	}
	return Variant{}, false
}

// BusWidth is a transfer width in bytes
type BusWidth int

const (
	Width8  BusWidth = 1
	Width16 BusWidth = 2
	Width32 BusWidth = 4
	Width64 BusWidth = 8
)

// Valid reports whether the engine supports the width
func (w BusWidth) Valid() bool {
	return w == Width8 || w == Width16 || w == Width32 || w == Width64
}

func (w BusWidth) encode() uint32 {
	return uint32(bits.TrailingZeros(uint(w)))
}

func decodeWidth(v uint32) BusWidth {
	return BusWidth(1 << v)
}

func (w BusWidth) String() string {
	return fmt.Sprintf("%d-bit", int(w)*8)
}

// Burst is a burst length in beats
type Burst int

// MaxBurst is the longest burst the engine performs
const MaxBurst Burst = 16

var burstEncodings = []Burst{1, 4, 8, 16}

// burstFor returns the longest supported burst not exceeding n beats
func burstFor(n int) Burst {
	b := Burst(1)
	for _, e := range burstEncodings {
		if int(e) <= n {
			b = e
		}
	}
	return b
}

func (b Burst) encode() uint32 {
	for i, e := range burstEncodings {
		if e == b {
			return uint32(i)
		}
	}
	return 0
}

func decodeBurst(v uint32) Burst {
	return burstEncodings[v&3]
}

// Direction of a transfer
type Direction int

const (
	MemToMem Direction = iota
	MemToDev
	DevToMem
)

func (d Direction) String() string {
	switch d {
	case MemToMem:
		return "mem-to-mem"
	case MemToDev:
		return "mem-to-dev"
	case DevToMem:
		return "dev-to-mem"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

func (d Direction) flow() uint32 {
	switch d {
	case MemToDev:
		return flowMemToDev
	case DevToMem:
		return flowDevToMem
	}
	return flowMemToMem
}

// Granularity of residue reporting
type Granularity int

const (
	GranularityDescriptor Granularity = iota
	GranularitySegment
	GranularityBurst
)

// Caps describes what a channel can do
type Caps struct {
	Widths        []BusWidth
	Directions    []Direction
	MaxBurst      Burst
	Residue       Granularity
	MaxEntryUnits int
	Peripherals   Peripheral
}
