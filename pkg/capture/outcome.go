package capture

// Outcome is the state of a capture session. Every session starts in
// OutcomeReading and ends in exactly one of the other states.
type Outcome int

const (
	OutcomeReading Outcome = iota
	OutcomeMarkerFound
	OutcomeCancelled
	OutcomeEndOfStream
	OutcomeBufferExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReading:
		return "reading"
	case OutcomeMarkerFound:
		return "marker_found"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeEndOfStream:
		return "end_of_stream"
	case OutcomeBufferExhausted:
		return "buffer_exhausted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has stopped reading.
func (o Outcome) Terminal() bool {
	return o != OutcomeReading
}

// Failed reports whether the outcome yields a failed result.
func (o Outcome) Failed() bool {
	return o.Terminal() && o != OutcomeMarkerFound
}

// suffix is appended to the captured text for failed outcomes.
func (o Outcome) suffix() string {
	switch o {
	case OutcomeCancelled:
		return TimedOutSuffix
	case OutcomeEndOfStream, OutcomeBufferExhausted:
		return UnexpectedEndSuffix
	default:
		return ""
	}
}
