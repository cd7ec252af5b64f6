package deploy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/harborpos/edgenode/internal/errors"
)

// ScriptEnv carries the environment contract handed to package scripts. The
// install root path is also passed as the first positional argument.
type ScriptEnv struct {
	RootDir        string
	PackageName    string
	PackageVersion string
	PackageType    string
	PackageDir     string
	HostID         string
}

func (e ScriptEnv) vars() []string {
	return []string{
		"ROOT_DIR=" + e.RootDir,
		"PACKAGE_NAME=" + e.PackageName,
		"PACKAGE_VERSION=" + e.PackageVersion,
		"PACKAGE_TYPE=" + e.PackageType,
		"PACKAGE_DIR=" + e.PackageDir,
		"HOST_ID=" + e.HostID,
	}
}

// ScriptRunner locates and executes a package's startup or uninstall script.
// One implementation is selected per host; the pipeline never branches on
// the platform itself.
type ScriptRunner interface {
	// Find returns the path of the first candidate script for the given base
	// name ("install" or "uninstall") present in dir, or "" when none exists.
	Find(dir, base string) string
	// Run executes the script with the given environment, streaming each
	// output line to onLine. A non-zero exit status is returned as an error.
	Run(ctx context.Context, script string, env ScriptEnv, onLine func(string)) error
}

// hostRunner runs scripts with the interpreter native to this host. The
// candidate order puts the native interpreter's extension first; a portable
// shell script is the fallback everywhere.
type hostRunner struct {
	extensions []string
	command    func(script string) (string, []string)
}

// NewHostRunner returns the ScriptRunner for the current platform.
func NewHostRunner() ScriptRunner {
	if runtime.GOOS == "windows" {
		return &hostRunner{
			extensions: []string{".ps1", ".bat", ".cmd", ".sh"},
			command: func(script string) (string, []string) {
				if filepath.Ext(script) == ".ps1" {
					return "powershell", []string{"-ExecutionPolicy", "Bypass", "-File", script}
				}
				return "cmd", []string{"/C", script}
			},
		}
	}
	return &hostRunner{
		extensions: []string{".sh"},
		command: func(script string) (string, []string) {
			return "/bin/sh", []string{script}
		},
	}
}

func (r *hostRunner) Find(dir, base string) string {
	for _, ext := range r.extensions {
		candidate := filepath.Join(dir, base+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func (r *hostRunner) Run(ctx context.Context, script string, env ScriptEnv, onLine func(string)) error {
	name, args := r.command(script)
	args = append(args, env.RootDir)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = env.PackageDir
	cmd.Env = append(os.Environ(), env.vars()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(errors.ErrScriptFailed, "failed to open script output", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.ErrScriptFailed, "failed to start script", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		return errors.Wrap(errors.ErrScriptFailed,
			fmt.Sprintf("script %s exited with error", filepath.Base(script)), err)
	}
	return nil
}
