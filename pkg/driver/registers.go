package driver

// Program controller (PC) registers, offsets into each core's window
const (
	RegPcVersion            = 0x0000
	RegPcVersionNum         = 0x0004
	RegPcOperationEnable    = 0x0008
	RegPcBaseAddress        = 0x0010
	RegPcRegisterAmounts    = 0x0014
	RegPcInterruptMask      = 0x0020
	RegPcInterruptClear     = 0x0024
	RegPcInterruptStatus    = 0x0028
	RegPcInterruptRawStatus = 0x002c
	RegPcTaskCon            = 0x0030
	RegPcTaskDmaBaseAddr    = 0x0034
	RegPcTaskStatus         = 0x003c
)

// PC interrupt bits
const (
	PcInterruptDpu0 = 1 << 8
	PcInterruptDpu1 = 1 << 9

	PcInterruptTaskDone = PcInterruptDpu0 | PcInterruptDpu1
)

// PC_TASK_CON fields
const (
	PcTaskConTaskNumberMask = 0xfff
	PcTaskConTaskPpEn       = 1 << 12
	PcTaskConTaskCountClear = 1 << 13
	PcTaskConReserved0      = 1 << 14
)

// RegisterAmounts converts a register command count into the PC_REGISTER_AMOUNTS
// encoding: commands are fetched in pairs, minus one.
func RegisterAmounts(regcmdCount uint32) uint32 {
	if regcmdCount == 0 {
		return 0
	}
	return (regcmdCount+1)/2 - 1
}

// TaskCon builds the PC_TASK_CON value for a single-task submission
func TaskCon(taskNumber uint32) uint32 {
	return PcTaskConReserved0 | PcTaskConTaskCountClear | PcTaskConTaskPpEn |
		(taskNumber & PcTaskConTaskNumberMask)
}
