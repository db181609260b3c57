package types

// Result is the terminal outcome of a task attempt or a completed task.
type Result int

const (
	ResultUnknown Result = iota
	ResultSuccess
	ResultInputMissing
	ResultOutputMissing
	ResultStdoutMissing
	ResultSignal
	ResultResourceExhaustion
	ResultTaskTimeout
	ResultTaskMaxRunTime
	ResultForsaken
	ResultMaxRetries
	ResultDiskAllocFull
	ResultMonitorError
	ResultOutputTransferError
)

func (r Result) String() string {
	switch r {
	case ResultUnknown:
		return "UNKNOWN"
	case ResultSuccess:
		return "SUCCESS"
	case ResultInputMissing:
		return "INPUT_MISSING"
	case ResultOutputMissing:
		return "OUTPUT_MISSING"
	case ResultStdoutMissing:
		return "STDOUT_MISSING"
	case ResultSignal:
		return "SIGNAL"
	case ResultResourceExhaustion:
		return "RESOURCE_EXHAUSTION"
	case ResultTaskTimeout:
		return "TASK_TIMEOUT"
	case ResultTaskMaxRunTime:
		return "TASK_MAX_RUN_TIME"
	case ResultForsaken:
		return "FORSAKEN"
	case ResultMaxRetries:
		return "MAX_RETRIES"
	case ResultDiskAllocFull:
		return "DISK_ALLOC_FULL"
	case ResultMonitorError:
		return "MONITOR_ERROR"
	case ResultOutputTransferError:
		return "OUTPUT_TRANSFER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// rank orders result codes for the clobber rule in §7: a higher-order
// error clobbers a lower-order "missing" result, but never the reverse,
// and a set high-order code is never reverted to UNKNOWN.
//
// INPUT_MISSING is known before dispatch and is treated as high-order
// relative to OUTPUT_MISSING/STDOUT_MISSING, which are discovered only
// during retrieval: "an input-missing diagnosis always displaces a
// later output-missing" (§7).
func rank(r Result) int {
	switch r {
	case ResultUnknown:
		return 0
	case ResultOutputMissing, ResultStdoutMissing:
		return 1
	case ResultInputMissing:
		return 2
	default:
		// every other terminal code is high-order: resource exhaustion,
		// timeouts, signals, forsaken, retries exhausted, disk full,
		// monitor error, transfer error, and success itself.
		return 3
	}
}

// MergeResult applies the precedence rule from §7 / the open question in
// §9: once a high-order code is set it is never overwritten by a later
// missing-* signal, but a missing-* signal can still be recorded if
// nothing more severe has been seen yet.
func MergeResult(current, incoming Result) Result {
	if incoming == ResultUnknown {
		return current
	}
	if current == ResultUnknown {
		return incoming
	}
	if rank(incoming) > rank(current) {
		return incoming
	}
	return current
}
