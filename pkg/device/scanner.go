package device

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
)

// DriverName is the kernel driver bound to rocket accel nodes
const DriverName = "rocket"

// DeviceInfo contains discovered device information
type DeviceInfo struct {
	Path     string
	DeviceID string
	Driver   string
}

// DeviceScanner scans for rocket accel nodes
type DeviceScanner struct {
	sysfsPath string
	devPath   string
}

// NewScanner creates a new device scanner
func NewScanner() *DeviceScanner {
	return &DeviceScanner{
		sysfsPath: "/sys/class/accel",
		devPath:   "/dev/accel",
	}
}

// Scan finds all accel nodes bound to the rocket driver
func (s *DeviceScanner) Scan() ([]DeviceInfo, error) {
	if s.sysfsPath == "" {
		s.sysfsPath = "/sys/class/accel"
	}
	if s.devPath == "" {
		s.devPath = "/dev/accel"
	}

	var devices []DeviceInfo

	entries, err := os.ReadDir(s.sysfsPath)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, "accel") {
				continue
			}
			drv := driverOf(filepath.Join(s.sysfsPath, name, "device"))
			if drv != DriverName {
				continue
			}
			devPath := filepath.Join(s.devPath, name)
			if _, err := os.Stat(devPath); err == nil {
				devices = append(devices, DeviceInfo{Path: devPath, DeviceID: name, Driver: drv})
			}
		}
	}

	// No sysfs: take the accel nodes as they are
	if len(devices) == 0 && err != nil {
		for i := 0; i < 16; i++ {
			name := fmt.Sprintf("accel%d", i)
			devPath := filepath.Join(s.devPath, name)
			if _, err := os.Stat(devPath); err == nil {
				devices = append(devices, DeviceInfo{Path: devPath, DeviceID: name})
			}
		}
	}

	return devices, nil
}

// OpenFirst opens the first rocket node found
func (s *DeviceScanner) OpenFirst() (*driver.DeviceFile, error) {
	devices, err := s.Scan()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	return driver.OpenDevice(devices[0].Path)
}

// Scan uses the default scanner to find all rocket devices
func Scan() ([]DeviceInfo, error) {
	return NewScanner().Scan()
}

// driverOf names the driver bound to a sysfs device directory, from the
// driver symlink or failing that the DRIVER= line of uevent
func driverOf(devDir string) string {
	if target, err := os.Readlink(filepath.Join(devDir, "driver")); err == nil {
		return filepath.Base(target)
	}

	f, err := os.Open(filepath.Join(devDir, "uevent"))
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "DRIVER="); ok {
			return v
		}
	}
	return ""
}
