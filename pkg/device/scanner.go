package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// IRQNamePrefix names UIO devices that carry one interrupt line, e.g. a
// generic-uio node with linux,uio-name = "bl808-irq48".
const IRQNamePrefix = "bl808-irq"

// UIOMap is one memory region exported by a UIO device
type UIOMap struct {
	Addr uint64
	Size uint64
}

// UIOInfo describes one discovered UIO device
type UIOInfo struct {
	Index int
	Name  string
	Path  string
	Maps  []UIOMap
}

// IRQ returns the interrupt line a bl808-irqN device serves
func (u UIOInfo) IRQ() (int, bool) {
	s, ok := strings.CutPrefix(u.Name, IRQNamePrefix)
	if !ok {
		return 0, false
	}
	irq, err := strconv.Atoi(s)
	if err != nil || irq < 0 {
		return 0, false
	}
	return irq, true
}

// Scanner scans sysfs for UIO devices
type Scanner struct {
	sysfsPath string
	devPath   string
}

// NewScanner creates a scanner over the default sysfs and /dev paths
func NewScanner() *Scanner {
	return &Scanner{
		sysfsPath: DefaultSysfsPath,
		devPath:   DefaultDevPath,
	}
}

// NewScannerAt creates a scanner over other paths
func NewScannerAt(sysfsPath, devPath string) *Scanner {
	return &Scanner{sysfsPath: sysfsPath, devPath: devPath}
}

// Scan finds every UIO device that has a device node, ordered by index.
// A missing sysfs class directory means no devices.
func (s *Scanner) Scan() ([]UIOInfo, error) {
	entries, err := os.ReadDir(s.sysfsPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.sysfsPath, err)
	}

	var devices []UIOInfo
	for _, entry := range entries {
		name := entry.Name()
		idx, ok := strings.CutPrefix(name, "uio")
		if !ok {
			continue
		}
		index, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		devPath := filepath.Join(s.devPath, name)
		if _, err := os.Stat(devPath); err != nil {
			continue
		}
		dir := filepath.Join(s.sysfsPath, name)
		devName, err := readString(filepath.Join(dir, "name"))
		if err != nil {
			return nil, err
		}
		maps, err := readMaps(filepath.Join(dir, "maps"))
		if err != nil {
			return nil, err
		}
		devices = append(devices, UIOInfo{
			Index: index,
			Name:  devName,
			Path:  devPath,
			Maps:  maps,
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// ScanByName finds devices with the given name
func (s *Scanner) ScanByName(name string) ([]UIOInfo, error) {
	all, err := s.Scan()
	if err != nil {
		return nil, err
	}

	var filtered []UIOInfo
	for _, dev := range all {
		if dev.Name == name {
			filtered = append(filtered, dev)
		}
	}
	return filtered, nil
}

// Scan uses the default scanner to find all UIO devices
func Scan() ([]UIOInfo, error) {
	return NewScanner().Scan()
}

// IRQPaths maps interrupt lines to the device nodes of the bl808-irqN
// devices among infos
func IRQPaths(infos []UIOInfo) map[int]string {
	paths := make(map[int]string)
	for _, info := range infos {
		if irq, ok := info.IRQ(); ok {
			paths[irq] = info.Path
		}
	}
	return paths
}

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}

// readMaps reads maps/mapN/{addr,size}; a device without maps has none
func readMaps(dir string) ([]UIOMap, error) {
	var maps []UIOMap
	for i := 0; ; i++ {
		m := filepath.Join(dir, fmt.Sprintf("map%d", i))
		if _, err := os.Stat(m); err != nil {
			return maps, nil
		}
		addr, err := readUint(filepath.Join(m, "addr"))
		if err != nil {
			return nil, err
		}
		size, err := readUint(filepath.Join(m, "size"))
		if err != nil {
			return nil, err
		}
		maps = append(maps, UIOMap{Addr: addr, Size: size})
	}
}
