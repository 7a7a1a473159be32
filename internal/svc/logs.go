package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs displays service logs using platform-appropriate tools.
func ViewLogs(opts LogOptions) error {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	switch runtime.GOOS {
	case "linux":
		return viewLogsLinux(opts)
	case "darwin":
		return viewLogsDarwin(opts)
	case "windows":
		return viewLogsWindows(opts)
	default:
		return fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

// viewLogsLinux uses journalctl to view systemd service logs.
func viewLogsLinux(opts LogOptions) error {
	args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}

	cmd := exec.Command("journalctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	return cmd.Run()
}

// viewLogsDarwin reads from the log files created by launchd.
func viewLogsDarwin(opts LogOptions) error {
	outLog := fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName)
	errLog := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)

	var present []string
	for _, p := range []string{errLog, outLog} {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		fmt.Printf("No log files found for service %q (expected %s and %s)\n",
			opts.ServiceName, outLog, errLog)
		return nil
	}

	args := []string{"-n", strconv.Itoa(opts.Lines)}
	if opts.Follow {
		args = []string{"-f"}
	}
	cmd := exec.Command("tail", append(args, present...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// viewLogsWindows queries the Application event log through PowerShell.
func viewLogsWindows(opts LogOptions) error {
	psScript := fmt.Sprintf(`
$events = Get-WinEvent -FilterHashtable @{
    LogName = 'Application'
    ProviderName = '%s'
} -MaxEvents %d -ErrorAction SilentlyContinue

if ($events) {
    $events | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap
} else {
    Write-Host "No log entries found for service '%s'"
    Write-Host "Try checking Event Viewer > Windows Logs > Application"
}
`, opts.ServiceName, opts.Lines, opts.ServiceName)

	cmd := exec.Command("powershell", "-NoProfile", "-Command", psScript)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nCould not read Windows Event Log automatically.\n")
		fmt.Fprintf(os.Stderr, "Open Event Viewer > Windows Logs > Application and filter by Source: %s\n",
			opts.ServiceName)
		return err
	}

	return nil
}
