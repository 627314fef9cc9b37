package decode

// Status is the state of a decoder slot, and the outcome of a decode.
type Status int

const (
	Ready Status = iota
	Busy
	Success
	Failed
	Aborted
	InstanceClash
	UnsupportedType
	FileOpenError
)

var statusNames = [...]string{
	Ready:           "ready",
	Busy:            "busy",
	Success:         "success",
	Failed:          "failed",
	Aborted:         "aborted",
	InstanceClash:   "instance clash",
	UnsupportedType: "unsupported type",
	FileOpenError:   "file open error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether s is the outcome of a finished decode.
func (s Status) Terminal() bool {
	return s >= Success
}

// Failure reports whether s counts as a failed attempt for the item.
// Stale epochs and aborts are not failures of the item.
func (s Status) Failure() bool {
	switch s {
	case Failed, UnsupportedType, FileOpenError:
		return true
	}
	return false
}
