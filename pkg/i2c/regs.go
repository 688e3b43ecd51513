package i2c

// Register offsets
const (
	regConfig      = 0x00
	regStatus      = 0x04
	regSubAddr     = 0x08
	regBusBusy     = 0x0c
	regPrdStart    = 0x10
	regPrdStop     = 0x14
	regPrdData     = 0x18
	regFifoConfig0 = 0x80
	regFifoConfig1 = 0x84
	regFifoWData   = 0x88
	regFifoRData   = 0x8c
)

// CONFIG fields
const (
	cfgMasterEn      = 1 << 0
	cfgPktDir        = 1 << 1 // 1: read
	cfgDegEn         = 1 << 2
	cfgSclSyncEn     = 1 << 3
	cfgSubAddrEn     = 1 << 4
	cfgSubAddrBCShft = 5
	cfgSubAddrBCMask = 0x3 << cfgSubAddrBCShft
	cfg10BitAddrEn   = 1 << 7
	cfgSlvAddrShift  = 8
	cfgSlvAddrMask   = 0x3ff << cfgSlvAddrShift
	cfgPktLenShift   = 20
	cfgPktLenMask    = 0xff << cfgPktLenShift
	cfgDegCntShift   = 28
	cfgDegCntMask    = 0xf << cfgDegCntShift
)

// STS fields: raw interrupts, masks, clears and enables
const (
	stsEndInt = 1 << 0
	stsTxfInt = 1 << 1
	stsRxfInt = 1 << 2
	stsNakInt = 1 << 3
	stsArbInt = 1 << 4
	stsFerInt = 1 << 5
	stsAllInt = stsEndInt | stsTxfInt | stsRxfInt | stsNakInt | stsArbInt | stsFerInt

	stsEndMask = 1 << 8
	stsTxfMask = 1 << 9
	stsRxfMask = 1 << 10
	stsNakMask = 1 << 11
	stsArbMask = 1 << 12
	stsFerMask = 1 << 13
	stsAllMask = stsEndMask | stsTxfMask | stsRxfMask | stsNakMask | stsArbMask | stsFerMask

	stsEndClr = 1 << 16
	stsNakClr = 1 << 19
	stsArbClr = 1 << 20
	stsAllClr = stsEndClr | stsNakClr | stsArbClr

	stsEndEn = 1 << 24
	stsTxfEn = 1 << 25
	stsRxfEn = 1 << 26
	stsNakEn = 1 << 27
	stsArbEn = 1 << 28
	stsFerEn = 1 << 29
	stsAllEn = stsEndEn | stsTxfEn | stsRxfEn | stsNakEn | stsArbEn | stsFerEn
)

// BUS_BUSY fields
const (
	busBusyInd = 1 << 0
	busBusyClr = 1 << 1
)

// FIFO_CONFIG_0 fields
const (
	fifoDmaTxEn  = 1 << 0
	fifoDmaRxEn  = 1 << 1
	fifoTxClr    = 1 << 2
	fifoRxClr    = 1 << 3
	fifoTxOvflw  = 1 << 4
	fifoTxUdflw  = 1 << 5
	fifoRxOvflw  = 1 << 6
	fifoRxUdflw  = 1 << 7
	fifoClearAll = fifoTxClr | fifoRxClr
)

// FIFO_CONFIG_1 fields
const (
	fifoTxCntShift = 0
	fifoTxCntMask  = 0x3 << fifoTxCntShift
	fifoRxCntShift = 8
	fifoRxCntMask  = 0x3 << fifoRxCntShift
	fifoTxTh       = 1 << 16
	fifoRxTh       = 1 << 24
)

// PRD_* registers hold four 8-bit phase lengths
const (
	prdPhases     = 4
	prdPhaseShift = 8
	prdPhaseMask  = 0xff
)
