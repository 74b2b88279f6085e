package driver

import "unsafe"

// CreateBo matches struct drm_rocket_create_bo
type CreateBo struct {
	Size       uint32
	Handle     uint32 // output
	DMAAddress uint64 // output, NPU address valid for the handle's lifetime
	Offset     uint64 // output, CPU mapping offset
}

// PrepBo matches struct drm_rocket_prep_bo
type PrepBo struct {
	Handle    uint32
	Op        PrepOp
	TimeoutNs int64 // relative; 0 polls
}

// FiniBo matches struct drm_rocket_fini_bo
type FiniBo struct {
	Handle uint32
	Flags  uint32
}

// Task matches struct drm_rocket_task
type Task struct {
	RegCmd      uint32 // NPU address of the register command stream
	RegCmdCount uint32 // number of register commands
}

// jobArgs matches struct drm_rocket_job; user pointers are carried as u64
type jobArgs struct {
	Tasks            uint64
	InBoHandles      uint64
	OutBoHandles     uint64
	TaskCount        uint32
	TaskStructSize   uint32
	InBoHandleCount  uint32
	OutBoHandleCount uint32
	Core             int32
	_                [4]byte // padding
}

// submitArgs matches struct drm_rocket_submit
type submitArgs struct {
	Jobs          uint64
	JobCount      uint32
	JobStructSize uint32
	Reserved      uint64
}

// Job is the Go form of one drm_rocket_job entry
type Job struct {
	Tasks      []Task
	InHandles  []uint32
	OutHandles []uint32
	Core       int32 // AnyCore lets the device choose
}

// Submit is the Go form of drm_rocket_submit
type Submit struct {
	Jobs []Job
}

// Size constants for the request structs
var (
	SizeOfCreateBo   = int(unsafe.Sizeof(CreateBo{}))
	SizeOfPrepBo     = int(unsafe.Sizeof(PrepBo{}))
	SizeOfFiniBo     = int(unsafe.Sizeof(FiniBo{}))
	SizeOfTask       = int(unsafe.Sizeof(Task{}))
	SizeOfJobArgs    = int(unsafe.Sizeof(jobArgs{}))
	SizeOfSubmitArgs = int(unsafe.Sizeof(submitArgs{}))
)
