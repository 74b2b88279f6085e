package device

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
)

// CreateBo serves DRM_IOCTL_ROCKET_CREATE_BO, filling in the output fields
func (f *File) CreateBo(req *driver.CreateBo) error {
	out, err := f.CreateBuffer(req.Size)
	if err != nil {
		return err
	}
	*req = out
	return nil
}

// PrepBo serves DRM_IOCTL_ROCKET_PREP_BO. A negative timeout waits forever.
func (f *File) PrepBo(req *driver.PrepBo) error {
	timeout := time.Duration(req.TimeoutNs)
	if req.TimeoutNs < 0 {
		timeout = -1
	}
	return f.PrepareBuffer(req.Handle, req.Op, timeout)
}

// FiniBo serves DRM_IOCTL_ROCKET_FINI_BO
func (f *File) FiniBo(req *driver.FiniBo) error {
	if req.Flags != 0 {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("fini flags 0x%x", req.Flags))
	}
	return f.FinishBuffer(req.Handle)
}

// Submit serves DRM_IOCTL_ROCKET_SUBMIT
func (f *File) Submit(req *driver.Submit) error {
	_, err := f.SubmitJobs(req.Jobs)
	return err
}

// Ioctl dispatches a rocket command code to its handler. arg must be the
// pointer type the command carries.
func (f *File) Ioctl(cmd uint32, arg any) error {
	var err error
	switch cmd {
	case driver.IoctlCmdCreateBo:
		req, ok := arg.(*driver.CreateBo)
		if !ok {
			return badArg(cmd, arg)
		}
		err = f.CreateBo(req)
	case driver.IoctlCmdPrepBo:
		req, ok := arg.(*driver.PrepBo)
		if !ok {
			return badArg(cmd, arg)
		}
		err = f.PrepBo(req)
	case driver.IoctlCmdFiniBo:
		req, ok := arg.(*driver.FiniBo)
		if !ok {
			return badArg(cmd, arg)
		}
		err = f.FiniBo(req)
	case driver.IoctlCmdSubmit:
		req, ok := arg.(*driver.Submit)
		if !ok {
			return badArg(cmd, arg)
		}
		err = f.Submit(req)
	default:
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("unknown ioctl 0x%08x", cmd))
	}

	if err != nil {
		klog.V(4).InfoS("Ioctl failed", "cmd", driver.IoctlName(cmd), "err", err)
	}
	return err
}

func badArg(cmd uint32, arg any) error {
	return driver.NewError(driver.StatusInvalidArgument,
		fmt.Sprintf("%s: unexpected argument %T", driver.IoctlName(cmd), arg))
}
