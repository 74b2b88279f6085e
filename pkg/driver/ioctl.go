package driver

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DeviceFile is an open rocket accel node (/dev/accel/accelN)
type DeviceFile struct {
	fd   int
	path string
}

// OpenDevice opens a rocket device node by path
func OpenDevice(path string) (*DeviceFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if ok {
			return nil, StatusFromErrno(errno, "opening device "+path)
		}
		return nil, NewErrorWithCause(StatusHardwareFault, "opening device "+path, err)
	}
	return &DeviceFile{fd: fd, path: path}, nil
}

// Close closes the device file
func (d *DeviceFile) Close() error {
	if d.fd >= 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		if err != nil {
			return NewErrorWithCause(StatusHardwareFault, "closing device", err)
		}
	}
	return nil
}

// Fd returns the file descriptor
func (d *DeviceFile) Fd() int {
	return d.fd
}

// Path returns the device path
func (d *DeviceFile) Path() string {
	return d.path
}

// ioctl performs an ioctl syscall
func (d *DeviceFile) ioctl(cmd uint32, arg unsafe.Pointer) error {
	if d.fd < 0 {
		return NewError(StatusDeviceClosed, IoctlName(cmd))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return StatusFromErrno(errno, IoctlName(cmd))
	}
	return nil
}

// CreateBo allocates a buffer object of size bytes
func (d *DeviceFile) CreateBo(size uint32) (*CreateBo, error) {
	req := CreateBo{Size: size}
	if err := d.ioctl(IoctlCmdCreateBo, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	return &req, nil
}

// PrepBo waits for the buffer's jobs and makes it CPU-accessible
func (d *DeviceFile) PrepBo(handle uint32, op PrepOp, timeoutNs int64) error {
	req := PrepBo{Handle: handle, Op: op, TimeoutNs: timeoutNs}
	return d.ioctl(IoctlCmdPrepBo, unsafe.Pointer(&req))
}

// FiniBo hands the buffer back to the device
func (d *DeviceFile) FiniBo(handle uint32) error {
	req := FiniBo{Handle: handle}
	return d.ioctl(IoctlCmdFiniBo, unsafe.Pointer(&req))
}

// Submit queues a batch of jobs
func (d *DeviceFile) Submit(s *Submit) error {
	if len(s.Jobs) == 0 {
		return NewError(StatusInvalidArgument, "empty submission")
	}

	jobs := make([]jobArgs, len(s.Jobs))
	for i := range s.Jobs {
		j := &s.Jobs[i]
		if len(j.Tasks) == 0 {
			return NewError(StatusInvalidArgument, "job without tasks")
		}
		jobs[i] = jobArgs{
			Tasks:            uint64(uintptr(unsafe.Pointer(&j.Tasks[0]))),
			InBoHandles:      sliceAddr(j.InHandles),
			OutBoHandles:     sliceAddr(j.OutHandles),
			TaskCount:        uint32(len(j.Tasks)),
			TaskStructSize:   uint32(SizeOfTask),
			InBoHandleCount:  uint32(len(j.InHandles)),
			OutBoHandleCount: uint32(len(j.OutHandles)),
			Core:             j.Core,
		}
	}

	req := submitArgs{
		Jobs:          uint64(uintptr(unsafe.Pointer(&jobs[0]))),
		JobCount:      uint32(len(jobs)),
		JobStructSize: uint32(SizeOfJobArgs),
	}
	err := d.ioctl(IoctlCmdSubmit, unsafe.Pointer(&req))

	// the kernel reads the arrays through the u64 addresses above
	runtime.KeepAlive(jobs)
	runtime.KeepAlive(s)
	return err
}

// Mmap maps a buffer object into the process at the offset CreateBo returned
func (d *DeviceFile) Mmap(offset uint64, size int) ([]byte, error) {
	data, err := unix.Mmap(d.fd, int64(offset), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return nil, StatusFromErrno(errno, "mapping buffer")
		}
		return nil, NewErrorWithCause(StatusMapFailed, "mapping buffer", err)
	}
	return data, nil
}

// Munmap undoes Mmap
func (d *DeviceFile) Munmap(data []byte) error {
	return unix.Munmap(data)
}

func sliceAddr(s []uint32) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}
