package dma

// Global register offsets
const (
	regIntStatus      = 0x00
	regIntTCStatus    = 0x04
	regIntTCClear     = 0x08
	regIntErrorStatus = 0x0c
	regIntErrClr      = 0x10
	regRawIntTCStatus = 0x14
	regRawIntErrStat  = 0x18
	regEnbldChns      = 0x1c
	regSoftBReq       = 0x20
	regSoftSReq       = 0x24
	regSoftLBReq      = 0x28
	regSoftLSReq      = 0x2c
	regTopConfig      = 0x30
	regSync           = 0x34
)

// Top_Config bits
const (
	topConfigE = 1 << 0 // controller enable
	topConfigM = 1 << 1 // AHB master endianness
)

// Channel register block
const (
	chanBase   = 0x100
	chanStride = 0x100

	regSrcAddr = 0x00
	regDstAddr = 0x04
	regLLI     = 0x08
	regControl = 0x0c
	regConfig  = 0x10
)

// CxControl fields
const (
	ctrlTransferSizeMask  = 0xfff
	ctrlSBSizeShift       = 12
	ctrlSBSizeMask        = 0x3 << ctrlSBSizeShift
	ctrlDstMinMode        = 1 << 14
	ctrlDBSizeShift       = 15
	ctrlDBSizeMask        = 0x3 << ctrlDBSizeShift
	ctrlDstAddMode        = 1 << 17
	ctrlSWidthShift       = 18
	ctrlSWidthMask        = 0x3 << ctrlSWidthShift
	ctrlDWidthShift       = 21
	ctrlDWidthMask        = 0x3 << ctrlDWidthShift
	ctrlFixCntShift       = 23
	ctrlFixCntMask        = 0x7 << ctrlFixCntShift
	ctrlSI                = 1 << 26
	ctrlDI                = 1 << 27
	ctrlProtShift         = 28
	ctrlProtMask          = 0x7 << ctrlProtShift
	ctrlI                 = 1 << 31
	liteTransferSizeMask  = 0x7ff
	lliWords              = 4
	lliSize               = lliWords * 4
	lliAlign              = 16
	maxLLICounter         = 0x3ff
	maxChannelsPerControl = 8
)

// CxConfig fields
const (
	cfgE                  = 1 << 0
	cfgSrcPeripheralShift = 1
	cfgSrcPeripheralMask  = 0x1f << cfgSrcPeripheralShift
	cfgDstPeripheralShift = 6
	cfgDstPeripheralMask  = 0x1f << cfgDstPeripheralShift
	cfgFlowCntrlShift     = 11
	cfgFlowCntrlMask      = 0x7 << cfgFlowCntrlShift
	cfgIE                 = 1 << 14
	cfgITC                = 1 << 15
	cfgL                  = 1 << 16
	cfgA                  = 1 << 17
	cfgH                  = 1 << 18
	cfgLLICounterShift    = 20
	cfgLLICounterMask     = maxLLICounter << cfgLLICounterShift
)

// Flow control encodings
const (
	flowMemToMem = 0
	flowMemToDev = 1
	flowDevToMem = 2
)

func chanOffset(index int) uint32 {
	return chanBase + uint32(index)*chanStride
}

// control is the unpacked form of a CxControl word
type control struct {
	units    uint32
	srcBurst Burst
	dstBurst Burst
	srcWidth BusWidth
	dstWidth BusWidth
	srcInc   bool
	dstInc   bool
	irq      bool
}

func (c control) pack() uint32 {
	v := c.units & ctrlTransferSizeMask
	v |= uint32(c.srcBurst.encode()) << ctrlSBSizeShift
	v |= uint32(c.dstBurst.encode()) << ctrlDBSizeShift
	v |= uint32(c.srcWidth.encode()) << ctrlSWidthShift
	v |= uint32(c.dstWidth.encode()) << ctrlDWidthShift
	if c.srcInc {
		v |= ctrlSI
	}
	if c.dstInc {
		v |= ctrlDI
	}
	if c.irq {
		v |= ctrlI
	}
	return v
}

func unpackControl(v uint32) control {
	return control{
		units:    v & ctrlTransferSizeMask,
		srcBurst: decodeBurst((v & ctrlSBSizeMask) >> ctrlSBSizeShift),
		dstBurst: decodeBurst((v & ctrlDBSizeMask) >> ctrlDBSizeShift),
		srcWidth: decodeWidth((v & ctrlSWidthMask) >> ctrlSWidthShift),
		dstWidth: decodeWidth((v & ctrlDWidthMask) >> ctrlDWidthShift),
		srcInc:   v&ctrlSI != 0,
		dstInc:   v&ctrlDI != 0,
		irq:      v&ctrlI != 0,
	}
}

// chanConfig is the unpacked form of a CxConfig word
type chanConfig struct {
	srcRequest uint8
	dstRequest uint8
	flow       uint32
	lliCounter uint32
}

func (c chanConfig) pack() uint32 {
	v := uint32(c.srcRequest) << cfgSrcPeripheralShift & cfgSrcPeripheralMask
	v |= uint32(c.dstRequest) << cfgDstPeripheralShift & cfgDstPeripheralMask
	v |= c.flow << cfgFlowCntrlShift & cfgFlowCntrlMask
	v |= c.lliCounter << cfgLLICounterShift & cfgLLICounterMask
	v |= cfgIE | cfgITC
	return v
}
