package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harborpos/edgenode/internal/errors"
	"github.com/harborpos/edgenode/internal/events"
	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/models"
)

// manifestFile is the installed-package document kept in the packages root.
const manifestFile = "manifest.json"

// Downloader fetches a package artifact to a local path.
type Downloader interface {
	Download(ctx context.Context, srcURL, destPath string) error
}

// Installer drives one deployment task through download, verification,
// extraction, script execution, and manifest recording.
type Installer struct {
	packagesRoot string
	hostID       string
	downloader   Downloader
	broadcaster  *events.Broadcaster
	runner       ScriptRunner

	manifestMu sync.Mutex
}

// NewInstaller creates an Installer rooted at packagesRoot.
func NewInstaller(packagesRoot, hostID string, downloader Downloader, broadcaster *events.Broadcaster, runner ScriptRunner) *Installer {
	return &Installer{
		packagesRoot: packagesRoot,
		hostID:       hostID,
		downloader:   downloader,
		broadcaster:  broadcaster,
		runner:       runner,
	}
}

// Install runs the install/update/reinstall pipeline for one task. The
// returned log holds every script output line, also on failure.
func (i *Installer) Install(ctx context.Context, task models.DeploymentTask) (string, error) {
	var logBuf strings.Builder

	i.broadcast(events.StatusStarting, task, "Deployment starting", "")

	pkgDir := i.packageDir(task)
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		return logBuf.String(), errors.Wrap(errors.ErrDeployFailed, "failed to create package directory", err)
	}

	if task.DownloadURL != "" {
		i.broadcast(events.StatusDownloading, task, "Downloading package", "")

		artifact := filepath.Join(pkgDir, i.artifactName(task))
		if err := i.downloader.Download(ctx, task.DownloadURL, artifact); err != nil {
			return logBuf.String(), err
		}

		if task.Checksum != "" {
			if err := verifyChecksum(artifact, task.Checksum); err != nil {
				// Never leave a partial or tampered artifact behind.
				os.Remove(artifact)
				return logBuf.String(), err
			}
		}

		i.broadcast(events.StatusInstalling, task, "Extracting package", "")
		if err := extractTarGz(artifact, pkgDir); err != nil {
			return logBuf.String(), err
		}
	} else {
		i.broadcast(events.StatusInstalling, task, "Installing package", "")
	}

	if script := i.runner.Find(pkgDir, "install"); script != "" {
		err := i.runner.Run(ctx, script, i.scriptEnv(task, pkgDir), func(line string) {
			logBuf.WriteString(line)
			logBuf.WriteString("\n")
			i.broadcast(events.StatusRunningScript, task, "", line)
		})
		if err != nil {
			return logBuf.String(), err
		}
	} else {
		logging.Debug("Package has no install script", map[string]interface{}{
			"package": task.PackageName,
		})
	}

	if err := i.recordInstall(task); err != nil {
		return logBuf.String(), err
	}

	ev := events.StatusEvent{
		Type:           "deployment",
		Status:         events.StatusCompleted,
		PackageName:    task.PackageName,
		PackageVersion: task.VersionNumber,
		Message:        "Deployment completed",
		LogOutput:      logBuf.String(),
	}
	i.broadcaster.Publish(ev)

	return logBuf.String(), nil
}

// Uninstall removes a package. The uninstall script is best-effort: its
// failure is logged but the directory is still deleted and the manifest
// entry still dropped.
func (i *Installer) Uninstall(ctx context.Context, task models.DeploymentTask) error {
	i.broadcast(events.StatusStarting, task, "Removal starting", "")

	pkgDir := i.packageDir(task)

	if script := i.runner.Find(pkgDir, "uninstall"); script != "" {
		err := i.runner.Run(ctx, script, i.scriptEnv(task, pkgDir), func(line string) {
			i.broadcast(events.StatusRunningScript, task, "", line)
		})
		if err != nil {
			logging.Warn("Uninstall script failed, removing package anyway", map[string]interface{}{
				"package": task.PackageName,
				"error":   err.Error(),
			})
		}
	}

	if err := os.RemoveAll(pkgDir); err != nil {
		return errors.Wrap(errors.ErrDeployFailed, "failed to remove package directory", err)
	}

	if err := i.removeManifestEntry(task.PackageName); err != nil {
		return err
	}

	i.broadcast(events.StatusCompleted, task, "Removal completed", "")
	return nil
}

// LoadManifest reads the installed-package manifest, returning an empty
// manifest when none exists yet.
func (i *Installer) LoadManifest() (models.Manifest, error) {
	i.manifestMu.Lock()
	defer i.manifestMu.Unlock()
	return i.loadManifestLocked()
}

func (i *Installer) loadManifestLocked() (models.Manifest, error) {
	path := filepath.Join(i.packagesRoot, manifestFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return models.Manifest{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to read manifest", err)
	}

	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to parse manifest", err)
	}
	return manifest, nil
}

func (i *Installer) saveManifestLocked(manifest models.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode manifest", err)
	}
	if err := os.MkdirAll(i.packagesRoot, 0755); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to create packages root", err)
	}
	path := filepath.Join(i.packagesRoot, manifestFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to write manifest", err)
	}
	return nil
}

func (i *Installer) recordInstall(task models.DeploymentTask) error {
	i.manifestMu.Lock()
	defer i.manifestMu.Unlock()

	manifest, err := i.loadManifestLocked()
	if err != nil {
		return err
	}
	manifest[task.PackageName] = models.InstalledPackage{
		Version:      task.VersionNumber,
		Type:         task.PackageType,
		InstalledAt:  time.Now().Unix(),
		DeploymentID: task.DeploymentID,
	}
	return i.saveManifestLocked(manifest)
}

func (i *Installer) removeManifestEntry(packageName string) error {
	i.manifestMu.Lock()
	defer i.manifestMu.Unlock()

	manifest, err := i.loadManifestLocked()
	if err != nil {
		return err
	}
	delete(manifest, packageName)
	return i.saveManifestLocked(manifest)
}

// packageDir namespaces packages by declared type and a filesystem-safe form
// of the package name.
func (i *Installer) packageDir(task models.DeploymentTask) string {
	return filepath.Join(i.packagesRoot, sanitizeName(task.PackageType), sanitizeName(task.PackageName))
}

func (i *Installer) artifactName(task models.DeploymentTask) string {
	return fmt.Sprintf("%s-%s.tar.gz", sanitizeName(task.PackageName), sanitizeName(task.VersionNumber))
}

func (i *Installer) scriptEnv(task models.DeploymentTask, pkgDir string) ScriptEnv {
	return ScriptEnv{
		RootDir:        i.packagesRoot,
		PackageName:    task.PackageName,
		PackageVersion: task.VersionNumber,
		PackageType:    task.PackageType,
		PackageDir:     pkgDir,
		HostID:         i.hostID,
	}
}

func (i *Installer) broadcast(status events.Status, task models.DeploymentTask, message, logLine string) {
	i.broadcaster.Publish(events.StatusEvent{
		Type:           "deployment",
		Status:         status,
		PackageName:    task.PackageName,
		PackageVersion: task.VersionNumber,
		Message:        message,
		LogOutput:      logLine,
	})
}

// sanitizeName maps a package name or version to a filesystem-safe form.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// verifyChecksum compares the sha256 digest of the file against the declared
// hex checksum.
func verifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to open artifact", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to hash artifact", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return errors.New(errors.ErrChecksumMismatch,
			fmt.Sprintf("artifact digest %s does not match declared %s", got, want))
	}
	return nil
}
