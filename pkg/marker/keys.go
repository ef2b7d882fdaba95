package marker

type Key = string

const (
	// AssignedTitleKey is the shared attribute naming the firmware build the
	// device should be running.
	AssignedTitleKey Key = "assignedFirmwareTitle"
	// AssignedVersionKey is the shared attribute naming the wanted version of
	// the assigned build.
	AssignedVersionKey Key = "assignedFirmwareVersion"
	// AssignedURLKey optionally points the device at the repository serving
	// the assigned build, overriding its local configuration.
	AssignedURLKey Key = "assignedFirmwareUrl"

	// InstalledTitleKey is the client attribute reporting the firmware build
	// currently on disk.
	InstalledTitleKey Key = "installedFirmwareTitle"
	// InstalledVersionKey is the client attribute reporting the version of the
	// installed build.
	InstalledVersionKey Key = "installedFirmwareVersion"

	// ProgressPercentKey reports how far a running synchronization has
	// progressed, in whole percent.
	ProgressPercentKey Key = "updateProgressPercent"
	// StatusKey reports the device's current position in the update flow.
	StatusKey Key = "updateStatus"
	// LastErrorKey carries a short description of the most recent update
	// failure. Cleared on success.
	LastErrorKey Key = "lastError"

	// UpdateAvailableKey is posted by the agent to flag that a newer firmware
	// assignment has been observed but not yet applied.
	UpdateAvailableKey Key = "firmwareUpdateAvailable"
	// SessionKey carries the identifier correlating the telemetry of a single
	// synchronization attempt.
	SessionKey Key = "updateSessionId"
)

// AssignedKeys returns the shared attribute keys the resolver asks for.
func AssignedKeys() []Key {
	return []Key{AssignedTitleKey, AssignedVersionKey, AssignedURLKey}
}

// InstalledKeys returns the client attribute keys the resolver asks for.
func InstalledKeys() []Key {
	return []Key{InstalledTitleKey, InstalledVersionKey}
}
