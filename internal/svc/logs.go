package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	File        string // log.file from the configuration; preferred when set
	Follow      bool
	Lines       int
}

// ViewLogs shows service logs with the platform's tools.
func ViewLogs(opts LogOptions) error {
	cmd, err := logCommand(opts, runtime.GOOS)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logCommand picks the viewer: the configured log file, journald on Linux,
// the launchd output file on macOS, or the Application event log on Windows.
func logCommand(opts LogOptions, goos string) (*exec.Cmd, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	n := strconv.Itoa(opts.Lines)

	tail := func(path string) *exec.Cmd {
		args := []string{"-n", n}
		if opts.Follow {
			args = append(args, "-F")
		}
		return exec.Command("tail", append(args, path)...)
	}

	switch {
	case opts.File != "" && goos != "windows":
		return tail(opts.File), nil
	case goos == "linux":
		args := []string{"-u", opts.ServiceName, "-n", n, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case goos == "darwin":
		return tail(fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)), nil
	case goos == "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		if opts.File != "" {
			script = fmt.Sprintf("Get-Content -Tail %d -Path '%s'", opts.Lines, opts.File)
			if opts.Follow {
				script += " -Wait"
			}
		}
		return exec.Command("powershell", "-NoProfile", "-Command", script), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
