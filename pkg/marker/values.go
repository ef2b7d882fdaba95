package marker

// Status is the update flow position reported under StatusKey.
//
// Note: the values posted to the store are plain strings - the alias keeps
// call sites honest without introducing a wire-incompatible type.
type Status = string

const (
	StatusChecking    Status = "CHECKING"
	StatusDownloading Status = "DOWNLOADING"
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
)

// Availability is the value posted under UpdateAvailableKey.
type Availability = string

const (
	UpdateAvailable   Availability = "true"
	UpdateUnavailable Availability = "false"
)
