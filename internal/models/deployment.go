package models

// DeployAction is the operation a deployment task asks the edge node to
// perform for one package.
type DeployAction string

const (
	ActionInstall   DeployAction = "install"
	ActionUpdate    DeployAction = "update"
	ActionReinstall DeployAction = "reinstall"
	ActionUninstall DeployAction = "uninstall"
	ActionRemove    DeployAction = "remove"
)

// IsRemoval reports whether the action removes a package rather than
// installing one.
func (a DeployAction) IsRemoval() bool {
	return a == ActionUninstall || a == ActionRemove
}

// DeploymentTask describes one (host, package) deployment pushed or polled
// from the control plane.
type DeploymentTask struct {
	TargetID      string       `json:"target_id"`
	DeploymentID  string       `json:"deployment_id"`
	PackageName   string       `json:"package_name"`
	PackageType   string       `json:"package_type"`
	VersionNumber string       `json:"version_number"`
	DownloadURL   string       `json:"download_url,omitempty"`
	Checksum      string       `json:"checksum,omitempty"` // hex sha256 of the artifact
	Action        DeployAction `json:"action"`
	ScheduledAt   int64        `json:"scheduled_at,omitempty"`
}

// InstalledPackage is one entry of the installed-package manifest kept next
// to the package artifacts.
type InstalledPackage struct {
	Version      string `json:"version"`
	Type         string `json:"type"`
	InstalledAt  int64  `json:"installed_at"`
	DeploymentID string `json:"deployment_id"`
}

// Manifest maps package name to its installed record. It is persisted as a
// single JSON document in the packages root.
type Manifest map[string]InstalledPackage
