package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	apperrors "github.com/harborpos/edgenode/internal/errors"
	"github.com/harborpos/edgenode/internal/events"
	"github.com/harborpos/edgenode/internal/models"
)

// byteDownloader serves a fixed artifact regardless of URL.
type byteDownloader struct {
	data []byte
}

func (d *byteDownloader) Download(ctx context.Context, srcURL, destPath string) error {
	return os.WriteFile(destPath, d.data, 0644)
}

// statusRecorder collects broadcast statuses in order.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []events.Status
	lines    []string
}

func (r *statusRecorder) observe(ev events.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ev.Status)
	if ev.Status == events.StatusRunningScript && ev.LogOutput != "" {
		r.lines = append(r.lines, ev.LogOutput)
	}
}

func (r *statusRecorder) sequence() []events.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Collapse consecutive running_script events into one step.
	var seq []events.Status
	for _, s := range r.statuses {
		if len(seq) > 0 && seq[len(seq)-1] == s {
			continue
		}
		seq = append(seq, s)
	}
	return seq
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0755,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write tar entry: %v", err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatalf("failed to close gzip writer: %v", err)
	}
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestInstaller(t *testing.T, artifact []byte) (*Installer, *statusRecorder, string) {
	t.Helper()

	root := t.TempDir()
	recorder := &statusRecorder{}
	broadcaster := events.NewBroadcaster()
	broadcaster.Subscribe(recorder.observe)

	installer := NewInstaller(root, "store-42", &byteDownloader{data: artifact},
		broadcaster, NewHostRunner())
	return installer, recorder, root
}

func TestInstallEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("install script fixture requires /bin/sh")
	}

	archive := makeTarGz(t, map[string]string{
		"install.sh": "#!/bin/sh\necho installing $PACKAGE_NAME $PACKAGE_VERSION to $1\nexit 0\n",
		"agent.bin":  "binary payload",
	})

	installer, recorder, root := newTestInstaller(t, archive)

	task := models.DeploymentTask{
		TargetID:      "T1",
		DeploymentID:  "dep-7",
		PackageName:   "Agent",
		PackageType:   "service",
		VersionNumber: "2.0",
		DownloadURL:   "/pkg/2.0",
		Checksum:      sha256Hex(archive),
		Action:        models.ActionInstall,
	}

	logOut, err := installer.Install(context.Background(), task)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	want := []events.Status{
		events.StatusStarting,
		events.StatusDownloading,
		events.StatusInstalling,
		events.StatusRunningScript,
		events.StatusCompleted,
	}
	got := recorder.sequence()
	if len(got) != len(want) {
		t.Fatalf("Expected status sequence %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected status sequence %v, got %v", want, got)
		}
	}

	if logOut == "" {
		t.Error("Expected captured script output")
	}

	manifest, err := installer.LoadManifest()
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	entry, ok := manifest["Agent"]
	if !ok {
		t.Fatal("Expected manifest entry for Agent")
	}
	if entry.Version != "2.0" || entry.Type != "service" || entry.DeploymentID != "dep-7" {
		t.Errorf("Unexpected manifest entry: %+v", entry)
	}

	// The archive contents landed in the package directory.
	if _, err := os.Stat(filepath.Join(root, "service", "Agent", "agent.bin")); err != nil {
		t.Errorf("Expected extracted file in package directory: %v", err)
	}
}

func TestInstallChecksumMismatch(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"agent.bin": "binary payload"})

	installer, recorder, root := newTestInstaller(t, archive)

	task := models.DeploymentTask{
		TargetID:      "T1",
		PackageName:   "Agent",
		PackageType:   "service",
		VersionNumber: "2.0",
		DownloadURL:   "/pkg/2.0",
		Checksum:      "deadbeef",
		Action:        models.ActionInstall,
	}

	_, err := installer.Install(context.Background(), task)
	if err == nil {
		t.Fatal("Expected checksum mismatch to fail the task")
	}
	if !apperrors.Is(err, apperrors.ErrChecksumMismatch) {
		t.Errorf("Expected CHECKSUM_MISMATCH, got %v", err)
	}

	// The partial artifact must not be left behind.
	matches, _ := filepath.Glob(filepath.Join(root, "service", "Agent", "*.tar.gz"))
	if len(matches) != 0 {
		t.Errorf("Expected no artifact on disk, found %v", matches)
	}

	for _, s := range recorder.sequence() {
		if s == events.StatusCompleted {
			t.Error("Expected no completed status after an integrity failure")
		}
	}

	manifest, _ := installer.LoadManifest()
	if _, ok := manifest["Agent"]; ok {
		t.Error("Expected no manifest entry after an integrity failure")
	}
}

func TestInstallWithoutDownloadOrScript(t *testing.T) {
	installer, recorder, _ := newTestInstaller(t, nil)

	task := models.DeploymentTask{
		TargetID:      "T2",
		PackageName:   "Menu Data",
		PackageType:   "content",
		VersionNumber: "1.1",
		Action:        models.ActionUpdate,
	}

	if _, err := installer.Install(context.Background(), task); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	manifest, _ := installer.LoadManifest()
	if _, ok := manifest["Menu Data"]; !ok {
		t.Error("Expected manifest entry for content-only package")
	}

	seq := recorder.sequence()
	if seq[len(seq)-1] != events.StatusCompleted {
		t.Errorf("Expected terminal completed status, got %v", seq)
	}
}

func TestUninstallIsBestEffort(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uninstall script fixture requires /bin/sh")
	}

	installer, _, root := newTestInstaller(t, nil)

	task := models.DeploymentTask{
		TargetID:      "T3",
		DeploymentID:  "dep-9",
		PackageName:   "Agent",
		PackageType:   "service",
		VersionNumber: "2.0",
		Action:        models.ActionUninstall,
	}

	// Install the package record and plant a failing uninstall script.
	if err := installer.recordInstall(task); err != nil {
		t.Fatalf("recordInstall failed: %v", err)
	}
	pkgDir := filepath.Join(root, "service", "Agent")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatalf("failed to create package dir: %v", err)
	}
	script := "#!/bin/sh\necho refusing to uninstall\nexit 1\n"
	if err := os.WriteFile(filepath.Join(pkgDir, "uninstall.sh"), []byte(script), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	if err := installer.Uninstall(context.Background(), task); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}

	if _, err := os.Stat(pkgDir); !os.IsNotExist(err) {
		t.Error("Expected package directory to be removed despite script failure")
	}

	manifest, _ := installer.LoadManifest()
	if _, ok := manifest["Agent"]; ok {
		t.Error("Expected manifest entry to be deleted despite script failure")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Agent":          "Agent",
		"Menu Data":      "Menu_Data",
		"a/b\\c":         "a_b_c",
		"pkg-1.2_ok":     "pkg-1.2_ok",
		"":               "_",
		"../../escape":   ".._.._escape",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
