package driver

// IOCTL Magic Values - must match drm.h
const (
	DrmIoctlBase   = 'd' // 0x64
	DrmCommandBase = 0x40
)

// Driver Version
const (
	RocketDrvVerMajor = 1
	RocketDrvVerMinor = 0
)

// Device limits
const (
	MaxNumCores = 3
	PrimaryCore = 0

	// NPU address space is 32 bits wide
	IovaStart = 0x00100000
	IovaEnd   = 0xffffffff
)

// IOCTL command numbers, relative to DrmCommandBase
const (
	IoctlCreateBo = 0x00
	IoctlSubmit   = 0x01
	IoctlPrepBo   = 0x02
	IoctlFiniBo   = 0x03
)

// PrepOp selects the CPU access requested by PrepBo
type PrepOp uint32

const (
	PrepRead  PrepOp = 0x01
	PrepWrite PrepOp = 0x02

	prepValidMask = PrepRead | PrepWrite
)

// Valid reports whether only READ/WRITE bits are set
func (op PrepOp) Valid() bool {
	return op&^prepValidMask == 0
}

// String returns a short name for the access mode
func (op PrepOp) String() string {
	switch op {
	case 0:
		return "none"
	case PrepRead:
		return "read"
	case PrepWrite:
		return "write"
	case PrepRead | PrepWrite:
		return "read|write"
	default:
		return "invalid"
	}
}

// DmaDataDirection represents DMA transfer direction
type DmaDataDirection uint32

const (
	DmaBidirectional DmaDataDirection = 0
	DmaToDevice      DmaDataDirection = 1
	DmaFromDevice    DmaDataDirection = 2
	DmaNone          DmaDataDirection = 3
)

// String returns the direction name
func (d DmaDataDirection) String() string {
	switch d {
	case DmaBidirectional:
		return "bidirectional"
	case DmaToDevice:
		return "to-device"
	case DmaFromDevice:
		return "from-device"
	default:
		return "none"
	}
}

// Direction maps a CPU access mode to the cache maintenance direction.
// Read alone pulls device writes, write alone pushes CPU writes, anything
// else (both, or none) is bidirectional.
func (op PrepOp) Direction() DmaDataDirection {
	switch op {
	case PrepRead:
		return DmaFromDevice
	case PrepWrite:
		return DmaToDevice
	default:
		return DmaBidirectional
	}
}

// IommuProt is the permission set for an address-translation mapping
type IommuProt uint32

const (
	IommuRead  IommuProt = 1 << 0
	IommuWrite IommuProt = 1 << 1
)

// Priority of a scheduling entity
type Priority int

const (
	PriorityKernel Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	NumPriorities = 4
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityKernel:
		return "kernel"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// AnyCore lets the device pick the core for a job
const AnyCore int32 = -1

// IOCTL direction flags for _IOC macro
const (
	IocNone  = 0
	IocWrite = 1
	IocRead  = 2
)

// IOCTL size/direction encoding constants
const (
	IocNrBits   = 8
	IocTypeBits = 8
	IocSizeBits = 14
	IocDirBits  = 2

	IocNrShift   = 0
	IocTypeShift = IocNrShift + IocNrBits
	IocSizeShift = IocTypeShift + IocTypeBits
	IocDirShift  = IocSizeShift + IocSizeBits
)

// Ioc creates an IOCTL command number
func Ioc(dir, iocType, nr, size int) uint32 {
	return uint32((dir << IocDirShift) |
		(iocType << IocTypeShift) |
		(nr << IocNrShift) |
		(size << IocSizeShift))
}

// IoW creates a write IOCTL (data flows from user to kernel)
func IoW(iocType, nr, size int) uint32 {
	return Ioc(IocWrite, iocType, nr, size)
}

// IoWR creates a read-write IOCTL
func IoWR(iocType, nr, size int) uint32 {
	return Ioc(IocRead|IocWrite, iocType, nr, size)
}

// IOCTL command codes
var (
	IoctlCmdCreateBo = IoWR(DrmIoctlBase, DrmCommandBase+IoctlCreateBo, SizeOfCreateBo)
	IoctlCmdSubmit   = IoW(DrmIoctlBase, DrmCommandBase+IoctlSubmit, SizeOfSubmitArgs)
	IoctlCmdPrepBo   = IoW(DrmIoctlBase, DrmCommandBase+IoctlPrepBo, SizeOfPrepBo)
	IoctlCmdFiniBo   = IoW(DrmIoctlBase, DrmCommandBase+IoctlFiniBo, SizeOfFiniBo)
)

// IoctlName returns the request name for a command code
func IoctlName(cmd uint32) string {
	switch cmd {
	case IoctlCmdCreateBo:
		return "ROCKET_CREATE_BO"
	case IoctlCmdSubmit:
		return "ROCKET_SUBMIT"
	case IoctlCmdPrepBo:
		return "ROCKET_PREP_BO"
	case IoctlCmdFiniBo:
		return "ROCKET_FINI_BO"
	default:
		return "UNKNOWN"
	}
}
