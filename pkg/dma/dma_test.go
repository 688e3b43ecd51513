//go:build unit

package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/openbouffalo/bl808-hal/pkg/devicetree"
	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"github.com/openbouffalo/bl808-hal/testutil"
)

const memBase = 0x40000000

// engine models the controller's write-1-to-clear interrupt status
type engine struct {
	regs *testutil.FakeRegisters
	irqs *testutil.FakeInterrupts
	mem  *testutil.FakeAllocator

	mu   sync.Mutex
	tc   uint32
	errs uint32
}

func newEngine() *engine {
	e := &engine{
		regs: testutil.NewFakeRegisters(),
		irqs: testutil.NewFakeInterrupts(),
		mem:  testutil.NewFakeAllocator(memBase),
	}
	e.regs.OnRead(regIntTCStatus, func(uint32) uint32 {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.tc
	})
	e.regs.OnRead(regIntErrorStatus, func(uint32) uint32 {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.errs
	})
	e.regs.OnWrite(regIntTCClear, func(_, v uint32) uint32 {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.tc &^= v
		return v
	})
	e.regs.OnWrite(regIntErrClr, func(_, v uint32) uint32 {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.errs &^= v
		return v
	})
	return e
}

// raise latches status bits and fires irq
func (e *engine) raise(irq int, tc, errs uint32) {
	e.mu.Lock()
	e.tc |= tc
	e.errs |= errs
	e.mu.Unlock()
	e.irqs.Fire(irq)
}

func (e *engine) probe(node *devicetree.Node, poolSize int) (*Controller, error) {
	return Probe(Resources{
		Node:     node,
		Regs:     e.regs,
		IRQs:     e.irqs,
		Memory:   e.mem,
		PoolSize: poolSize,
	})
}

func (e *engine) mustProbe(t *testing.T, node *devicetree.Node, poolSize int) *Controller {
	t.Helper()
	c, err := e.probe(node, poolSize)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	return c
}

func (e *engine) chanReg(ch int, off uint32) uint32 {
	return e.regs.Peek(chanOffset(ch) + off)
}

func dmaNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("dma%d", i)
	}
	return names
}

func irqCells(irqs ...uint32) []byte {
	var cells []uint32
	for _, irq := range irqs {
		cells = append(cells, irq, 4)
	}
	return devicetree.Cells(cells...)
}

// dmaNode builds a dma0 node with one named interrupt per channel. edit may
// change or delete properties.
func dmaNode(edit func(props map[string][]byte)) *devicetree.Node {
	props := map[string][]byte{
		"compatible":      devicetree.StringList("bflb,bl808-dma0"),
		"reg":             devicetree.Cells(0x2000c000, 0x1000),
		"interrupts":      irqCells(31, 32, 33, 34, 35, 36, 37, 38),
		"interrupt-names": devicetree.StringList(dmaNames(8)...),
		PropChannelMask:   devicetree.Cells(0xff),
	}
	if edit != nil {
		edit(props)
	}
	plic := devicetree.NewNode("interrupt-controller@e0000000", map[string][]byte{
		"interrupt-controller": {},
		"#interrupt-cells":     devicetree.Cells(2),
	})
	dma := devicetree.NewNode("dma-controller@2000c000", props)
	root := devicetree.NewNode("", nil, devicetree.NewNode("soc", nil, plic, dma))
	compat := strings.SplitN(string(props["compatible"]), "\x00", 2)[0]
	return devicetree.FromRoot(root).Compatible(compat)[0]
}

func allocChannel(t *testing.T, c *Controller, i int) *Channel {
	t.Helper()
	ch, err := c.Channel(i)
	if err != nil {
		t.Fatalf("Channel(%d): %v", i, err)
	}
	if err := ch.AllocResources(); err != nil {
		t.Fatalf("AllocResources: %v", err)
	}
	t.Cleanup(func() { ch.FreeResources() })
	return ch
}

// recorder collects callback results
type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) callback(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) get() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// walk follows a chain through bus memory from the first entry and
// returns the decoded records, stopping at a null pointer or a loop back
func walk(t *testing.T, mem *testutil.FakeAllocator, first uint64) (records [][4]uint32, looped bool) {
	t.Helper()
	seen := map[uint64]bool{}
	for addr := first; addr != 0; {
		if seen[addr] {
			return records, addr == first
		}
		seen[addr] = true
		b := mem.Resolve(addr, lliSize)
		if b == nil {
			t.Fatalf("chain points at unmapped address %#x", addr)
		}
		var rec [4]uint32
		for i := range rec {
			rec[i] = binary.LittleEndian.Uint32(b[4*i:])
		}
		records = append(records, rec)
		addr = uint64(rec[2])
	}
	return records, false
}

func TestProbe(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)

	if c.Name() != "dma0" {
		t.Errorf("Name() = %q", c.Name())
	}
	if got := len(c.Channels()); got != 8 {
		t.Errorf("%d channels, expected 8", got)
	}
	want := []int{31, 32, 33, 34, 35, 36, 37, 38}
	if got := e.irqs.Requests(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("requested irqs %v, expected %v", got, want)
	}
	if e.regs.Peek(regTopConfig)&topConfigE == 0 {
		t.Error("controller not enabled")
	}
	if c.ZeroPage() == 0 {
		t.Error("no zero page")
	}
	ch, _ := c.Channel(5)
	if ch.IRQ() != 36 || ch.Shared() {
		t.Errorf("channel 5 irq %d shared %v", ch.IRQ(), ch.Shared())
	}

	if err := c.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if e.regs.Peek(regTopConfig)&topConfigE != 0 {
		t.Error("controller still enabled after Remove")
	}
	if e.mem.Live() != 0 {
		t.Errorf("%d buffers leaked", e.mem.Live())
	}
	for _, irq := range want {
		if e.irqs.Requested(irq) {
			t.Errorf("irq %d still requested", irq)
		}
	}
}

func TestProbeChannelMask(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(func(p map[string][]byte) {
		p[PropChannelMask] = devicetree.Cells(0x1a)
	}), 0)
	defer c.Remove()

	var got []int
	for _, ch := range c.Channels() {
		got = append(got, ch.Index())
	}
	if fmt.Sprint(got) != "[1 3 4]" {
		t.Errorf("channels %v, expected [1 3 4]", got)
	}
	if _, err := c.Channel(0); driver.StatusOf(err) != driver.StatusNotFound {
		t.Errorf("Channel(0) = %v, expected not found", err)
	}
}

func TestProbeMissingMask(t *testing.T) {
	e := newEngine()
	_, err := e.probe(dmaNode(func(p map[string][]byte) {
		delete(p, PropChannelMask)
	}), 0)
	if driver.StatusOf(err) != driver.StatusInvalidArgument {
		t.Fatalf("Probe = %v, expected invalid argument", err)
	}
	if !errors.Is(err, devicetree.ErrNoProperty) {
		t.Errorf("cause not preserved: %v", err)
	}
	if len(e.irqs.Requests()) != 0 || e.mem.Live() != 0 {
		t.Error("probe acquired resources before failing")
	}
}

func TestProbeUnknownVariant(t *testing.T) {
	e := newEngine()
	_, err := e.probe(dmaNode(func(p map[string][]byte) {
		p["compatible"] = devicetree.StringList("bflb,bl808-uart")
	}), 0)
	if driver.StatusOf(err) != driver.StatusNoDevice {
		t.Errorf("Probe = %v, expected no device", err)
	}
}

func TestProbeIRQFailureUnwinds(t *testing.T) {
	e := newEngine()
	e.irqs.SetFailOnRequest(34, true)

	_, err := e.probe(dmaNode(nil), 0)
	if err == nil {
		t.Fatal("Probe succeeded with a failing interrupt line")
	}
	if got := e.irqs.Freed(); fmt.Sprint(got) != "[33 32 31]" {
		t.Errorf("freed %v, expected [33 32 31]", got)
	}
	if e.mem.Live() != 0 {
		t.Errorf("%d buffers leaked", e.mem.Live())
	}
	if e.regs.Peek(regTopConfig)&topConfigE != 0 {
		t.Error("controller enabled by failed probe")
	}
}

func TestProbeLegacyInterrupts(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(func(p map[string][]byte) {
		delete(p, "interrupt-names")
		p["interrupts"] = irqCells(20, 21, 22)
	}), 0)
	defer c.Remove()

	chans := c.Channels()
	if len(chans) != 3 {
		t.Fatalf("%d channels, expected 3 with positional interrupts", len(chans))
	}
	for i, ch := range chans {
		if ch.IRQ() != 20+i {
			t.Errorf("channel %d irq %d, expected %d", i, ch.IRQ(), 20+i)
		}
	}
}

func TestProbeSharedLine(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(func(p map[string][]byte) {
		p["interrupts"] = irqCells(40, 40)
		p["interrupt-names"] = devicetree.StringList("dma0", "dma1")
		p[PropChannelMask] = devicetree.Cells(0x3)
	}), 0)
	defer c.Remove()

	if got := e.irqs.Requests(); fmt.Sprint(got) != "[40]" {
		t.Fatalf("requested %v, expected one shared line", got)
	}
	ch0 := allocChannel(t, c, 0)
	ch1 := allocChannel(t, c, 1)
	if !ch0.Shared() || !ch1.Shared() {
		t.Error("channels on one line not marked shared")
	}

	var order []Cookie
	var mu sync.Mutex
	for i, ch := range []*Channel{ch0, ch1} {
		d, err := ch.PrepareMemcpy(0x50000000+uint64(i)*0x1000, 0x51000000, 64, FlagInterrupt)
		if err != nil {
			t.Fatalf("PrepareMemcpy: %v", err)
		}
		idx := Cookie(i)
		d.SetCallback(func(Result) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
		})
		d.Submit()
		ch.IssuePending()
	}

	e.raise(40, 0x3, 0)
	ch0.Synchronize()
	ch1.Synchronize()

	if !ch0.Idle() || !ch1.Idle() {
		t.Error("one interrupt did not complete both channels")
	}
	if e.regs.Writes(regIntTCClear)[0] != 0x3 {
		t.Errorf("status cleared with %#x, expected one write of 0x3", e.regs.Writes(regIntTCClear)[0])
	}
	if len(order) != 2 {
		t.Fatalf("%d callbacks, expected 2", len(order))
	}
}

func TestMemcpyChain(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 0)

	const length = 100000
	d, err := ch.PrepareMemcpy(0x50000000, 0x51000000, length, 0)
	if err != nil {
		t.Fatalf("PrepareMemcpy: %v", err)
	}
	if d.Size() != length {
		t.Errorf("Size() = %d", d.Size())
	}

	records, looped := walk(t, e.mem, d.entries[0].phys())
	if looped {
		t.Fatal("non-cyclic chain loops")
	}
	if len(records) != 4 {
		t.Fatalf("%d entries, expected 4", len(records))
	}

	sum := 0
	for i, rec := range records {
		ctl := unpackControl(rec[3])
		if ctl.srcWidth != Width64 || ctl.dstWidth != Width64 || ctl.srcBurst != MaxBurst {
			t.Errorf("entry %d: width %s/%s burst %d", i, ctl.srcWidth, ctl.dstWidth, ctl.srcBurst)
		}
		if !ctl.srcInc || !ctl.dstInc {
			t.Errorf("entry %d: addresses not incrementing", i)
		}
		if ctl.units%uint32(MaxBurst) != 0 && i < len(records)-1 {
			t.Errorf("entry %d: %d units is not whole bursts", i, ctl.units)
		}
		if ctl.irq != (i == len(records)-1) {
			t.Errorf("entry %d: interrupt bit %v", i, ctl.irq)
		}
		if want := uint32(0x51000000 + sum); rec[0] != want {
			t.Errorf("entry %d: src %#x, expected %#x", i, rec[0], want)
		}
		if want := uint32(0x50000000 + sum); rec[1] != want {
			t.Errorf("entry %d: dst %#x, expected %#x", i, rec[1], want)
		}
		sum += int(ctl.units) * int(ctl.srcWidth)
	}
	if sum != length {
		t.Errorf("entries move %d bytes, expected %d", sum, length)
	}
	if records[len(records)-1][2] != 0 {
		t.Error("last entry does not terminate the chain")
	}
	d.Free()
}

func TestMemcpyWidth(t *testing.T) {
	tests := []struct {
		dst, src uint64
		length   int
		lite     bool
		want     BusWidth
	}{
		{0x50000000, 0x51000000, 64, false, Width64},
		{0x50000000, 0x51000000, 64, true, Width32},
		{0x50000004, 0x51000000, 64, false, Width32},
		{0x50000000, 0x51000002, 64, false, Width16},
		{0x50000000, 0x51000000, 63, false, Width8},
	}

	for _, tt := range tests {
		e := newEngine()
		lite := uint32(0)
		if tt.lite {
			lite = 1
		}
		c := e.mustProbe(t, dmaNode(func(p map[string][]byte) {
			p[PropLiteChannels] = devicetree.Cells(lite)
		}), 0)
		ch := allocChannel(t, c, 0)
		d, err := ch.PrepareMemcpy(tt.dst, tt.src, tt.length, 0)
		if err != nil {
			t.Fatalf("PrepareMemcpy(%#x, %#x, %d): %v", tt.dst, tt.src, tt.length, err)
		}
		if got := unpackControl(d.entries[0].control).srcWidth; got != tt.want {
			t.Errorf("PrepareMemcpy(%#x, %#x, %d, lite %v) width %s, expected %s",
				tt.dst, tt.src, tt.length, tt.lite, got, tt.want)
		}
		d.Free()
		ch.FreeResources()
		c.Remove()
	}
}

func TestLiteChannelSplit(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(func(p map[string][]byte) {
		p[PropLiteChannels] = devicetree.Cells(0x1)
	}), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 0)

	if !ch.Lite() {
		t.Fatal("channel 0 not lite")
	}
	// 0x7ff units rounded down to 16-beat bursts, 4 bytes each
	perEntry := (0x7ff - 0x7ff%16) * 4
	d, err := ch.PrepareMemcpy(0x50000000, 0x51000000, perEntry+4, 0)
	if err != nil {
		t.Fatalf("PrepareMemcpy: %v", err)
	}
	if d.Entries() != 2 {
		t.Fatalf("%d entries, expected 2", d.Entries())
	}
	if d.entries[0].length != perEntry || d.entries[1].length != 4 {
		t.Errorf("entry lengths %d, %d", d.entries[0].length, d.entries[1].length)
	}
	if ch.Caps().MaxEntryUnits != liteTransferSizeMask {
		t.Errorf("Caps().MaxEntryUnits = %#x", ch.Caps().MaxEntryUnits)
	}
}

func TestZeroPageSource(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 0)

	d, err := ch.PrepareMemcpy(0x50000000, c.ZeroPage(), 8192, 0)
	if err != nil {
		t.Fatalf("PrepareMemcpy: %v", err)
	}
	if ctl := unpackControl(d.entries[0].control); ctl.srcInc || !ctl.dstInc {
		t.Errorf("zero page copy: srcInc %v dstInc %v", ctl.srcInc, ctl.dstInc)
	}
	d.Free()

	d, err = ch.PrepareMemcpy(0x50000000, c.ZeroPage()+8, 64, 0)
	if err != nil {
		t.Fatalf("PrepareMemcpy: %v", err)
	}
	if ctl := unpackControl(d.entries[0].control); !ctl.srcInc {
		t.Error("copy from inside the zero page does not increment its source")
	}
	d.Free()
}

func TestSlaveSG(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 2)

	if _, err := ch.PrepareSlaveSG([]Segment{{0x50000000, 64}}, MemToDev, 0); err == nil {
		t.Error("prepare without slave config succeeded")
	}
	err := ch.Config(SlaveConfig{
		Peripheral:  PeripheralUART,
		Request:     3,
		DstAddr:     0x2000a088,
		DstWidth:    Width32,
		DstMaxBurst: 4,
	})
	if err != nil {
		t.Fatalf("Config: %v", err)
	}

	d, err := ch.PrepareSlaveSG([]Segment{{0x50000000, 64}, {0x50010000, 128}}, MemToDev, 0)
	if err != nil {
		t.Fatalf("PrepareSlaveSG: %v", err)
	}
	if d.Size() != 192 || d.Entries() != 2 {
		t.Errorf("size %d entries %d", d.Size(), d.Entries())
	}
	for i, ent := range d.entries {
		if ent.dst != 0x2000a088 {
			t.Errorf("entry %d dst %#x, expected the device FIFO", i, ent.dst)
		}
		ctl := unpackControl(ent.control)
		if !ctl.srcInc || ctl.dstInc || ctl.srcBurst != 4 {
			t.Errorf("entry %d: srcInc %v dstInc %v burst %d", i, ctl.srcInc, ctl.dstInc, ctl.srcBurst)
		}
	}
	cfg := d.config
	if (cfg&cfgFlowCntrlMask)>>cfgFlowCntrlShift != flowMemToDev {
		t.Errorf("flow control %d", (cfg&cfgFlowCntrlMask)>>cfgFlowCntrlShift)
	}
	if (cfg&cfgDstPeripheralMask)>>cfgDstPeripheralShift != 3 {
		t.Errorf("destination request line %d", (cfg&cfgDstPeripheralMask)>>cfgDstPeripheralShift)
	}
	d.Free()

	// 6 bytes is not a whole number of 32-bit beats
	_, err = ch.PrepareSlaveSG([]Segment{{0x50000000, 6}}, MemToDev, 0)
	if driver.StatusOf(err) != driver.StatusInvalidArgument {
		t.Errorf("odd length = %v, expected invalid argument", err)
	}
	if _, err := ch.PrepareSlaveSG([]Segment{{0x50000000, 64}}, DevToMem, 0); err == nil {
		t.Error("dev-to-mem without a source width succeeded")
	}
	if got := ch.pool.Available(); got != ch.pool.Cap() {
		t.Errorf("%d of %d blocks free after failed prepares", got, ch.pool.Cap())
	}
}

func TestSlaveConfigValidation(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(func(p map[string][]byte) {
		p[PropLiteChannels] = devicetree.Cells(0x2)
	}), 0)
	defer c.Remove()
	full, _ := c.Channel(0)
	lite, _ := c.Channel(1)

	good := SlaveConfig{Peripheral: PeripheralSPI, Request: 5, SrcWidth: Width8}
	tests := []struct {
		name string
		ch   *Channel
		edit func(*SlaveConfig)
		ok   bool
	}{
		{"valid", full, func(*SlaveConfig) {}, true},
		{"no peripheral", full, func(c *SlaveConfig) { c.Peripheral = 0 }, false},
		{"two peripherals", full, func(c *SlaveConfig) { c.Peripheral = PeripheralSPI | PeripheralI2C }, false},
		{"not served", full, func(c *SlaveConfig) { c.Peripheral = PeripheralDSI }, false},
		{"request line", full, func(c *SlaveConfig) { c.Request = 32 }, false},
		{"odd width", full, func(c *SlaveConfig) { c.SrcWidth = 3 }, false},
		{"no width", full, func(c *SlaveConfig) { c.SrcWidth = 0 }, false},
		{"64-bit", full, func(c *SlaveConfig) { c.SrcWidth = Width64 }, true},
		{"64-bit lite", lite, func(c *SlaveConfig) { c.SrcWidth = Width64 }, false},
		{"burst", full, func(c *SlaveConfig) { c.SrcMaxBurst = 32 }, false},
		{"address", full, func(c *SlaveConfig) { c.SrcAddr = 1 << 32 }, false},
	}

	for _, tt := range tests {
		cfg := good
		tt.edit(&cfg)
		err := tt.ch.Config(cfg)
		if (err == nil) != tt.ok {
			t.Errorf("%s: Config() = %v", tt.name, err)
		}
		if err != nil && driver.StatusOf(err) != driver.StatusInvalidArgument {
			t.Errorf("%s: status %s", tt.name, driver.StatusOf(err))
		}
	}
}

func TestCyclic(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 1)

	ch.Config(SlaveConfig{Peripheral: PeripheralI2S, Request: 7, SrcAddr: 0x2000ab8c, SrcWidth: Width16, SrcMaxBurst: 8})
	const periods = 4
	d, err := ch.PrepareCyclic(0x50000000, periods*256, 256, DevToMem, FlagInterrupt)
	if err != nil {
		t.Fatalf("PrepareCyclic: %v", err)
	}
	rec := &recorder{}
	d.SetCallback(rec.callback)

	records, looped := walk(t, e.mem, d.entries[0].phys())
	if !looped || len(records) != periods {
		t.Fatalf("%d entries, looped %v: expected a ring of %d", len(records), looped, periods)
	}
	for i, r := range records {
		if !unpackControl(r[3]).irq {
			t.Errorf("period %d does not interrupt", i)
		}
	}
	if got := (d.config & cfgLLICounterMask) >> cfgLLICounterShift; got != periods {
		t.Errorf("LLI counter %d, expected %d", got, periods)
	}

	cookie, _ := d.Submit()
	ch.IssuePending()
	for i := 0; i < 2*periods; i++ {
		e.raise(32, 1<<1, 0)
	}
	ch.Synchronize()

	if len(rec.get()) != 2*periods {
		t.Errorf("%d period callbacks, expected %d", len(rec.get()), 2*periods)
	}
	if ch.Periods() != 2*periods {
		t.Errorf("Periods() = %d", ch.Periods())
	}
	if state, _ := ch.TxStatus(cookie); state != StateInProgress {
		t.Errorf("cyclic transfer %s after its periods, expected in progress", state)
	}
	if e.chanReg(1, regConfig)&cfgE == 0 {
		t.Error("channel stopped")
	}

	ch.TerminateAll()
	ch.Synchronize()
	if state, _ := ch.TxStatus(cookie); state != StateError {
		t.Errorf("terminated cyclic transfer %s", state)
	}
	if got := ch.pool.Available(); got != ch.pool.Cap() {
		t.Errorf("%d of %d blocks free after terminate", got, ch.pool.Cap())
	}
}

func TestCyclicValidation(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 0)
	ch.Config(SlaveConfig{Peripheral: PeripheralPDM, SrcWidth: Width32})

	for _, tt := range []struct{ buf, period int }{{1000, 300}, {0, 4}, {64, 0}} {
		if _, err := ch.PrepareCyclic(0x50000000, tt.buf, tt.period, DevToMem, 0); err == nil {
			t.Errorf("PrepareCyclic(%d, %d) succeeded", tt.buf, tt.period)
		}
	}
	if _, err := ch.PrepareCyclic(0x50000000, 64, 16, MemToMem, 0); err == nil {
		t.Error("cyclic memory to memory succeeded")
	}
}

func TestQueueOrder(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 0)
	rec := &recorder{}

	d1, _ := ch.PrepareMemcpy(0x50000000, 0x51000000, 256, FlagInterrupt)
	d2, _ := ch.PrepareMemcpy(0x50001000, 0x51001000, 512, FlagInterrupt)
	d1.SetCallback(rec.callback)
	d2.SetCallback(rec.callback)
	c1, _ := d1.Submit()
	c2, _ := d2.Submit()
	if c2 <= c1 {
		t.Fatalf("cookies %d, %d not increasing", c1, c2)
	}

	if e.chanReg(0, regConfig)&cfgE != 0 {
		t.Fatal("channel started before IssuePending")
	}
	ch.IssuePending()
	if got := e.chanReg(0, regSrcAddr); got != 0x51000000 {
		t.Fatalf("running source %#x, expected the first descriptor", got)
	}
	if e.chanReg(0, regConfig)&cfgE == 0 {
		t.Fatal("channel not enabled")
	}
	if state, residue := ch.TxStatus(c2); state != StateInProgress || residue != 512 {
		t.Errorf("queued descriptor: %s, residue %d, expected full size", state, residue)
	}

	e.raise(31, 1, 0)
	if state, _ := ch.TxStatus(c1); state != StateComplete {
		t.Errorf("first descriptor %s after its interrupt", state)
	}
	if got := e.chanReg(0, regSrcAddr); got != 0x51001000 {
		t.Errorf("running source %#x, expected the second descriptor", got)
	}

	e.raise(31, 1, 0)
	ch.Synchronize()
	if state, _ := ch.TxStatus(c2); state != StateComplete {
		t.Errorf("second descriptor %s", state)
	}
	res := rec.get()
	if len(res) != 2 || res[0].Cookie != c1 || res[1].Cookie != c2 {
		t.Errorf("callbacks %+v, expected %d then %d", res, c1, c2)
	}
	if !ch.Idle() {
		t.Error("channel not idle")
	}
}

func TestResidue(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 0)

	d, _ := ch.PrepareMemcpy(0x50000000, 0x51000000, 100000, 0)
	cookie, _ := d.Submit()
	ch.IssuePending()

	// 1000 bytes into the second entry
	perEntry := d.entries[0].length
	e.regs.Poke(chanOffset(0)+regDstAddr, uint32(0x50000000+perEntry+1000))
	_, residue := ch.TxStatus(cookie)
	if want := 100000 - perEntry - 1000; residue != want {
		t.Errorf("residue %d, expected %d", residue, want)
	}

	if err := ch.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if e.chanReg(0, regConfig)&cfgH == 0 {
		t.Error("halt bit not set")
	}
	if state, _ := ch.TxStatus(cookie); state != StatePaused {
		t.Errorf("state %s, expected paused", state)
	}
	ch.Resume()
	if e.chanReg(0, regConfig)&cfgH != 0 {
		t.Error("halt bit still set")
	}

	if state, _ := ch.TxStatus(cookie + 1); state != StateError {
		t.Errorf("unknown cookie reported %s", state)
	}
}

func TestPoolExhaustion(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 2)
	defer c.Remove()
	ch := allocChannel(t, c, 0)

	_, err := ch.PrepareMemcpy(0x50000000, 0x51000000, 100000, 0)
	if driver.StatusOf(err) != driver.StatusOutOfMemory {
		t.Fatalf("PrepareMemcpy = %v, expected out of memory", err)
	}
	if got := ch.pool.Available(); got != 2 {
		t.Errorf("%d blocks free after failed prepare, expected 2", got)
	}
}

func TestTerminateSynchronize(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 8)
	defer c.Remove()
	ch := allocChannel(t, c, 3)

	d1, _ := ch.PrepareMemcpy(0x50000000, 0x51000000, 100000, 0)
	d2, _ := ch.PrepareMemcpy(0x50100000, 0x51100000, 64, 0)
	c1, _ := d1.Submit()
	ch.IssuePending()
	c2, _ := d2.Submit()

	if err := ch.TerminateAll(); err != nil {
		t.Fatalf("TerminateAll: %v", err)
	}
	if e.chanReg(3, regConfig)&cfgE != 0 {
		t.Error("channel still enabled")
	}
	for _, cookie := range []Cookie{c1, c2} {
		if state, _ := ch.TxStatus(cookie); state != StateError {
			t.Errorf("cookie %d: %s after terminate", cookie, state)
		}
	}
	// the running descriptor's entries stay reserved until Synchronize
	if got := ch.pool.Available(); got != 8-d1.Entries() {
		t.Errorf("%d blocks free before Synchronize, expected %d", got, 8-d1.Entries())
	}

	// a late interrupt for the stopped transfer is ignored
	e.raise(34, 1<<3, 0)

	ch.Synchronize()
	if got := ch.pool.Available(); got != 8 {
		t.Errorf("%d blocks free after Synchronize, expected 8", got)
	}
	if _, err := d1.Submit(); err == nil {
		t.Error("terminated descriptor resubmitted")
	}
}

func TestFailureHistoryBounded(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 8)
	defer c.Remove()
	ch := allocChannel(t, c, 0)

	var cookies []Cookie
	for i := 0; i < failedHistory+10; i++ {
		d, err := ch.PrepareMemcpy(0x50000000, 0x51000000, 64, 0)
		if err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
		cookie, _ := d.Submit()
		ch.IssuePending()
		ch.TerminateAll()
		ch.Synchronize()
		cookies = append(cookies, cookie)
	}

	testutil.AssertEqual(t, len(ch.failed), failedHistory, "remembered failures")
	testutil.AssertEqual(t, len(ch.failures), failedHistory, "failure order")
	if state, _ := ch.TxStatus(cookies[0]); state != StateComplete {
		t.Errorf("oldest terminated cookie %s, expected complete", state)
	}
	if state, _ := ch.TxStatus(cookies[len(cookies)-1]); state != StateError {
		t.Errorf("newest terminated cookie %s, expected error", state)
	}
	if got := ch.pool.Available(); got != 8 {
		t.Errorf("%d blocks free, expected 8", got)
	}
}

func TestErrorInterrupt(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()
	ch := allocChannel(t, c, 0)
	rec := &recorder{}

	d1, _ := ch.PrepareMemcpy(0x50000000, 0x51000000, 64, FlagInterrupt)
	d2, _ := ch.PrepareMemcpy(0x50001000, 0x51001000, 64, 0)
	d1.SetCallback(rec.callback)
	c1, _ := d1.Submit()
	c2, _ := d2.Submit()
	ch.IssuePending()

	e.raise(31, 0, 1)
	ch.Synchronize()

	if state, _ := ch.TxStatus(c1); state != StateError {
		t.Errorf("failed descriptor %s", state)
	}
	res := rec.get()
	if len(res) != 1 || driver.StatusOf(res[0].Err) != driver.StatusIOError {
		t.Fatalf("callbacks %+v, expected one I/O error", res)
	}
	if state, _ := ch.TxStatus(c2); state != StateInProgress {
		t.Errorf("next descriptor %s, expected started", state)
	}
	if got := e.chanReg(0, regSrcAddr); got != 0x51001000 {
		t.Errorf("running source %#x, expected the second descriptor", got)
	}
}

func TestReuse(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 4)
	defer c.Remove()
	ch := allocChannel(t, c, 0)

	d, _ := ch.PrepareMemcpy(0x50000000, 0x51000000, 64, FlagReuse)
	for i := 0; i < 3; i++ {
		cookie, err := d.Submit()
		if err != nil {
			t.Fatalf("pass %d: Submit: %v", i, err)
		}
		ch.IssuePending()
		e.raise(31, 1, 0)
		if state, _ := ch.TxStatus(cookie); state != StateComplete {
			t.Errorf("pass %d: %s", i, state)
		}
	}
	if got := ch.pool.Available(); got != 3 {
		t.Errorf("%d blocks free while reusable descriptor is held, expected 3", got)
	}
	d.Free()
	if got := ch.pool.Available(); got != 4 {
		t.Errorf("%d blocks free after Free, expected 4", got)
	}
}

func TestRequestChannel(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(func(p map[string][]byte) {
		p[PropChannelMask] = devicetree.Cells(0x6)
	}), 0)
	defer c.Remove()

	if _, err := c.RequestChannel(PeripheralDSI); driver.StatusOf(err) != driver.StatusNotSupported {
		t.Errorf("RequestChannel(dsi) = %v, expected not supported", err)
	}
	first, err := c.RequestChannel(PeripheralUART)
	if err != nil || first.Index() != 1 {
		t.Fatalf("RequestChannel = %v, %v", first, err)
	}
	second, err := c.RequestChannel(PeripheralSPI)
	if err != nil || second.Index() != 2 {
		t.Fatalf("RequestChannel = %v, %v", second, err)
	}
	if _, err := c.RequestChannel(PeripheralSPI); driver.StatusOf(err) != driver.StatusBusy {
		t.Errorf("RequestChannel with none free = %v, expected busy", err)
	}
	first.FreeResources()
	if again, err := c.RequestChannel(PeripheralI2C); err != nil || again != first {
		t.Errorf("RequestChannel after free = %v, %v", again, err)
	}
}

func TestSpuriousInterrupt(t *testing.T) {
	e := newEngine()
	c := e.mustProbe(t, dmaNode(nil), 0)
	defer c.Remove()

	// no handler attached: status is acknowledged and dropped
	e.raise(31, 1, 0)
	if got := e.regs.Writes(regIntTCClear); len(got) != 1 || got[0] != 1 {
		t.Errorf("IntTCClear writes %v", got)
	}
	// another line's bits are left alone
	e.raise(32, 1, 0)
	if got := e.regs.Writes(regIntTCClear); len(got) != 1 {
		t.Errorf("line 32 cleared channel 0 status")
	}
}

func TestVariants(t *testing.T) {
	tests := []struct {
		compat   string
		channels int
		periph   Peripheral
		serves   Peripheral
	}{
		{"bflb,bl808-dma0", 8, PeripheralsDMA, PeripheralADC},
		{"bflb,bl808-dma1", 4, PeripheralsDMA, PeripheralI2S},
		{"bflb,bl808-dma2", 8, PeripheralsMM, PeripheralDSI},
	}

	for _, tt := range tests {
		v, ok := LookupVariant(tt.compat)
		if !ok || v.Channels != tt.channels || v.Peripherals != tt.periph {
			t.Errorf("LookupVariant(%s) = %+v, %v", tt.compat, v, ok)
		}
		if v.Peripherals&tt.serves == 0 {
			t.Errorf("%s does not serve %s", tt.compat, tt.serves)
		}
	}
	if PeripheralsMM&PeripheralADC != 0 {
		t.Error("multimedia engine serves adc")
	}
	if p, err := ParsePeripheral("I2S"); err != nil || p != PeripheralI2S {
		t.Errorf("ParsePeripheral(I2S) = %v, %v", p, err)
	}
	if s := (PeripheralUART | PeripheralDBI).String(); s != "uart|dbi" {
		t.Errorf("String() = %q", s)
	}
}

func TestControlPacking(t *testing.T) {
	ctl := control{
		units:    0x123,
		srcBurst: 8,
		dstBurst: 4,
		srcWidth: Width16,
		dstWidth: Width64,
		srcInc:   true,
		irq:      true,
	}
	v := ctl.pack()
	want := uint32(0x123) | 2<<ctrlSBSizeShift | 1<<ctrlDBSizeShift |
		1<<ctrlSWidthShift | 3<<ctrlDWidthShift | ctrlSI | ctrlI
	if v != want {
		t.Errorf("pack() = %#x, expected %#x", v, want)
	}
	if back := unpackControl(v); back != ctl {
		t.Errorf("unpackControl() = %+v", back)
	}

	cfg := chanConfig{srcRequest: 2, dstRequest: 9, flow: flowDevToMem, lliCounter: 0x401}
	w := cfg.pack()
	if (w&cfgLLICounterMask)>>cfgLLICounterShift != 1 {
		t.Error("LLI counter not masked to 10 bits")
	}
	if w&(cfgIE|cfgITC) != cfgIE|cfgITC {
		t.Error("interrupt masks not set")
	}
}
