// Package devicetree reads the hardware description the drivers probe from:
// register windows, interrupt lines and driver properties of flattened
// device tree nodes.
package devicetree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/platinasystems/fdt"
)

// ErrNoProperty is returned when a node lacks a requested property
var ErrNoProperty = errors.New("property not found")

// DefaultInterruptCells is used when no interrupt controller node declares
// #interrupt-cells.
const DefaultInterruptCells = 2

// Tree is a parsed device tree
type Tree struct {
	fdt            *fdt.Tree
	interruptCells int
	addressCells   int
	sizeCells      int
}

// Load reads and parses a .dtb file
func Load(path string) (*Tree, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device tree: %w", err)
	}
	return Parse(buf)
}

// Parse parses a flattened device tree blob
func Parse(buf []byte) (t *Tree, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("parsing device tree: %v", r)
		}
	}()

	ft := &fdt.Tree{}
	if err := ft.Parse(buf); err != nil {
		return nil, fmt.Errorf("parsing device tree: %w", err)
	}
	if ft.RootNode == nil {
		return nil, fmt.Errorf("parsing device tree: no root node")
	}
	return newTree(ft), nil
}

// FromRoot builds a Tree around nodes constructed in memory. Property
// values are big-endian, as in a blob.
func FromRoot(root *fdt.Node) *Tree {
	return newTree(&fdt.Tree{RootNode: root})
}

func newTree(ft *fdt.Tree) *Tree {
	t := &Tree{
		fdt:            ft,
		interruptCells: DefaultInterruptCells,
		addressCells:   1,
		sizeCells:      1,
	}
	root := &Node{tree: t, n: ft.RootNode}
	if v, err := root.Uint32("#address-cells"); err == nil {
		t.addressCells = int(v)
	}
	if v, err := root.Uint32("#size-cells"); err == nil {
		t.sizeCells = int(v)
	}
	ft.EachProperty("interrupt-controller", "", func(n *fdt.Node, _, _ string) {
		ctl := &Node{tree: t, n: n}
		if v, err := ctl.Uint32("#interrupt-cells"); err == nil && v > 0 {
			t.interruptCells = int(v)
		}
	})
	return t
}

// Root returns the root node
func (t *Tree) Root() *Node {
	return &Node{tree: t, n: t.fdt.RootNode}
}

// InterruptCells returns the number of cells per interrupt specifier
func (t *Tree) InterruptCells() int {
	return t.interruptCells
}

// Compatible returns every node whose compatible list contains compat,
// ordered by node name.
func (t *Tree) Compatible(compat string) []*Node {
	var nodes []*Node
	seen := make(map[*fdt.Node]bool)
	t.fdt.EachProperty("compatible", compat, func(n *fdt.Node, _, _ string) {
		if seen[n] {
			return
		}
		seen[n] = true
		node := &Node{tree: t, n: n}
		if node.IsCompatible(compat) {
			nodes = append(nodes, node)
		}
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name() < nodes[j].Name() })
	return nodes
}

// Node is one device tree node
type Node struct {
	tree *Tree
	n    *fdt.Node
}

// Name returns the node name including its unit address
func (n *Node) Name() string {
	return n.n.Name
}

// Children returns the child nodes ordered by name
func (n *Node) Children() []*Node {
	names := make([]string, 0, len(n.n.Children))
	for name := range n.n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	children := make([]*Node, len(names))
	for i, name := range names {
		children[i] = &Node{tree: n.tree, n: n.n.Children[name]}
	}
	return children
}

// Has reports whether the property exists
func (n *Node) Has(prop string) bool {
	_, ok := n.n.Properties[prop]
	return ok
}

func (n *Node) raw(prop string) ([]byte, error) {
	v, ok := n.n.Properties[prop]
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", n.Name(), prop, ErrNoProperty)
	}
	return v, nil
}

// Uint32 returns a single-cell property
func (n *Node) Uint32(prop string) (uint32, error) {
	v, err := n.raw(prop)
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("%s: %s: expected one cell, got %d bytes", n.Name(), prop, len(v))
	}
	return n.tree.fdt.PropUint32(v), nil
}

// Uint32s returns a multi-cell property
func (n *Node) Uint32s(prop string) ([]uint32, error) {
	v, err := n.raw(prop)
	if err != nil {
		return nil, err
	}
	if len(v)%4 != 0 {
		return nil, fmt.Errorf("%s: %s: %d bytes is not a cell list", n.Name(), prop, len(v))
	}
	return n.tree.fdt.PropUint32Slice(v), nil
}

// Strings returns a string-list property
func (n *Node) Strings(prop string) ([]string, error) {
	v, err := n.raw(prop)
	if err != nil {
		return nil, err
	}
	s := n.tree.fdt.PropStringSlice(v)
	for len(s) > 0 && s[len(s)-1] == "" {
		s = s[:len(s)-1]
	}
	return s, nil
}

// String returns the first string of a string property
func (n *Node) String(prop string) (string, error) {
	s, err := n.Strings(prop)
	if err != nil {
		return "", err
	}
	if len(s) == 0 {
		return "", nil
	}
	return s[0], nil
}

// IsCompatible reports whether compat is one of the node's compatible
// strings
func (n *Node) IsCompatible(compat string) bool {
	list, err := n.Strings("compatible")
	if err != nil {
		return false
	}
	for _, c := range list {
		if c == compat {
			return true
		}
	}
	return false
}

// Enabled reports whether the node's status allows probing
func (n *Node) Enabled() bool {
	s, err := n.String("status")
	if err != nil {
		return true
	}
	return s == "okay" || s == "ok"
}

// Reg returns the first register window of the node
func (n *Node) Reg() (base, size uint64, err error) {
	cells, err := n.Uint32s("reg")
	if err != nil {
		return 0, 0, err
	}
	ac, sc := n.tree.addressCells, n.tree.sizeCells
	if len(cells) < ac+sc {
		return 0, 0, fmt.Errorf("%s: reg: %d cells, expected %d", n.Name(), len(cells), ac+sc)
	}
	for _, c := range cells[:ac] {
		base = base<<32 | uint64(c)
	}
	for _, c := range cells[ac : ac+sc] {
		size = size<<32 | uint64(c)
	}
	return base, size, nil
}

// IRQCount returns the number of interrupt specifiers
func (n *Node) IRQCount() int {
	cells, err := n.Uint32s("interrupts")
	if err != nil {
		return 0
	}
	return len(cells) / n.tree.interruptCells
}

// IRQ returns the interrupt number of the index'th specifier
func (n *Node) IRQ(index int) (int, error) {
	cells, err := n.Uint32s("interrupts")
	if err != nil {
		return 0, err
	}
	ic := n.tree.interruptCells
	if index < 0 || (index+1)*ic > len(cells) {
		return 0, fmt.Errorf("%s: interrupt %d: %w", n.Name(), index, ErrNoProperty)
	}
	return int(cells[index*ic]), nil
}

// IRQByName returns the interrupt whose interrupt-names entry is name
func (n *Node) IRQByName(name string) (int, error) {
	names, err := n.Strings("interrupt-names")
	if err != nil {
		return 0, err
	}
	for i, s := range names {
		if s == name {
			return n.IRQ(i)
		}
	}
	return 0, fmt.Errorf("%s: interrupt %q: %w", n.Name(), name, ErrNoProperty)
}

// Cells encodes values as a big-endian cell list property
func Cells(values ...uint32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// StringList encodes a NUL-separated string list property
func StringList(values ...string) []byte {
	return []byte(strings.Join(values, "\x00") + "\x00")
}

// NewNode builds an in-memory node with the given properties and children
func NewNode(name string, props map[string][]byte, children ...*fdt.Node) *fdt.Node {
	n := &fdt.Node{
		Name:       name,
		Properties: make(map[string][]byte),
		Children:   make(map[string]*fdt.Node),
	}
	for k, v := range props {
		n.Properties[k] = v
	}
	for _, c := range children {
		c.Depth = n.Depth + 1
		n.Children[c.Name] = c
	}
	return n
}
