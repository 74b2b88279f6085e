package driver

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the batch encoding of Submit.
//
//	message Submit { repeated Job jobs = 1; }
//	message Job {
//	  repeated Task tasks = 1;
//	  repeated uint32 in_handles = 2 [packed = true];
//	  repeated uint32 out_handles = 3 [packed = true];
//	  sint32 core = 4;
//	}
//	message Task { fixed32 regcmd = 1; uint32 regcmd_count = 2; }
const (
	fieldSubmitJobs = 1

	fieldJobTasks      = 1
	fieldJobInHandles  = 2
	fieldJobOutHandles = 3
	fieldJobCore       = 4

	fieldTaskRegCmd      = 1
	fieldTaskRegCmdCount = 2
)

// MarshalSubmit encodes a job batch in protobuf wire format
func MarshalSubmit(s *Submit) []byte {
	var b []byte
	for i := range s.Jobs {
		b = protowire.AppendTag(b, fieldSubmitJobs, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalJob(&s.Jobs[i]))
	}
	return b
}

func marshalJob(j *Job) []byte {
	var b []byte
	for _, t := range j.Tasks {
		var tb []byte
		tb = protowire.AppendTag(tb, fieldTaskRegCmd, protowire.Fixed32Type)
		tb = protowire.AppendFixed32(tb, t.RegCmd)
		tb = protowire.AppendTag(tb, fieldTaskRegCmdCount, protowire.VarintType)
		tb = protowire.AppendVarint(tb, uint64(t.RegCmdCount))
		b = protowire.AppendTag(b, fieldJobTasks, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	b = appendPacked(b, fieldJobInHandles, j.InHandles)
	b = appendPacked(b, fieldJobOutHandles, j.OutHandles)
	b = protowire.AppendTag(b, fieldJobCore, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(j.Core)))
	return b
}

func appendPacked(b []byte, num protowire.Number, vals []uint32) []byte {
	if len(vals) == 0 {
		return b
	}
	var pb []byte
	for _, v := range vals {
		pb = protowire.AppendVarint(pb, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, pb)
}

// UnmarshalSubmit decodes a job batch produced by MarshalSubmit.
// Unknown fields are skipped.
func UnmarshalSubmit(b []byte) (*Submit, error) {
	s := &Submit{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, batchError("submit tag", protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldSubmitJobs && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, batchError("submit job", protowire.ParseError(n))
			}
			job, err := unmarshalJob(v)
			if err != nil {
				return nil, fmt.Errorf("job %d: %w", len(s.Jobs), err)
			}
			s.Jobs = append(s.Jobs, *job)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, batchError("submit field", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return s, nil
}

func unmarshalJob(b []byte) (*Job, error) {
	j := &Job{Core: AnyCore}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, batchError("job tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldJobTasks && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, batchError("task", protowire.ParseError(n))
			}
			task, err := unmarshalTask(v)
			if err != nil {
				return nil, err
			}
			j.Tasks = append(j.Tasks, task)
			b = b[n:]
		case (num == fieldJobInHandles || num == fieldJobOutHandles) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, batchError("handles", protowire.ParseError(n))
			}
			handles, err := consumePacked(v)
			if err != nil {
				return nil, err
			}
			if num == fieldJobInHandles {
				j.InHandles = append(j.InHandles, handles...)
			} else {
				j.OutHandles = append(j.OutHandles, handles...)
			}
			b = b[n:]
		case num == fieldJobCore && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, batchError("core", protowire.ParseError(n))
			}
			c := protowire.DecodeZigZag(v)
			if c < math.MinInt32 || c > math.MaxInt32 {
				return nil, batchError("core", fmt.Errorf("%d overflows int32", c))
			}
			j.Core = int32(c)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, batchError("job field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return j, nil
}

func unmarshalTask(b []byte) (Task, error) {
	var t Task
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, batchError("task tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldTaskRegCmd && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return t, batchError("regcmd", protowire.ParseError(n))
			}
			t.RegCmd = v
			b = b[n:]
		case num == fieldTaskRegCmdCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return t, batchError("regcmd_count", protowire.ParseError(n))
			}
			if v > math.MaxUint32 {
				return t, batchError("regcmd_count", fmt.Errorf("%d overflows uint32", v))
			}
			t.RegCmdCount = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, batchError("task field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return t, nil
}

func consumePacked(b []byte) ([]uint32, error) {
	var out []uint32
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, batchError("packed handle", protowire.ParseError(n))
		}
		if v > math.MaxUint32 {
			return nil, batchError("packed handle", fmt.Errorf("%d overflows uint32", v))
		}
		out = append(out, uint32(v))
		b = b[n:]
	}
	return out, nil
}

func batchError(what string, cause error) error {
	return NewErrorWithCause(StatusInvalidArgument, "decoding batch "+what, cause)
}
