package backup

// ResultCode is the closed set of outcomes for a producer attempt and for a
// whole run. Exactly one code is reported per producer.
type ResultCode int

const (
	// ResultOK means the transfer completed and the transport committed it.
	ResultOK ResultCode = iota
	// ResultAgentError covers producer-side failures, including unexpected
	// errors and backstop timeouts.
	ResultAgentError
	// ResultQuotaExceeded is reported when the transport's byte ceiling is hit
	// at preflight or mid-stream.
	ResultQuotaExceeded
	// ResultPackageRejected means the transport declined this producer.
	ResultPackageRejected
	// ResultCancelled means cooperative cancellation was observed.
	ResultCancelled
	// ResultTransportAborted is a transport-level failure not attributable to
	// one producer. It aborts the remaining queue.
	ResultTransportAborted
)

func (r ResultCode) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultAgentError:
		return "agent_error"
	case ResultQuotaExceeded:
		return "quota_exceeded"
	case ResultPackageRejected:
		return "package_rejected"
	case ResultCancelled:
		return "cancelled"
	case ResultTransportAborted:
		return "transport_aborted"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the run may continue with the next producer
// after this outcome.
func (r ResultCode) Recoverable() bool {
	switch r {
	case ResultAgentError, ResultQuotaExceeded, ResultPackageRejected, ResultCancelled:
		return true
	default:
		return false
	}
}
