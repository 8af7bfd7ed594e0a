package domain

// InstallState is the position of an install or uninstall operation
type InstallState string

const (
	InstallIdle        InstallState = "idle"
	InstallDownloading InstallState = "downloading"
	InstallInstalling  InstallState = "installing"
	InstallCompleted   InstallState = "completed"
	InstallError       InstallState = "error"
)

// IsFinished reports whether the state is terminal.
func (s InstallState) IsFinished() bool {
	return s == InstallCompleted || s == InstallError
}

// InstallStep is one emission of an install stream
type InstallStep struct {
	PkgName string
	State   InstallState
	Err     error // Set only when State is InstallError
}

// IsFinished reports whether this step ends the stream.
func (s InstallStep) IsFinished() bool {
	return s.State.IsFinished()
}

// InstallerMode selects the strategy used for native packages
type InstallerMode int

const (
	InstallerSystem InstallerMode = iota // Default: hand packages to the host package manager
	InstallerLocal                       // Unpack into the extensions directory
)

func (m InstallerMode) String() string {
	switch m {
	case InstallerSystem:
		return "system"
	case InstallerLocal:
		return "local"
	default:
		return "system"
	}
}

// ParseInstallerMode converts a string to InstallerMode
func ParseInstallerMode(s string) InstallerMode {
	switch s {
	case "local":
		return InstallerLocal
	default:
		return InstallerSystem
	}
}
