package flow

import (
	"fmt"
	"os/exec"
	"runtime"
)

// BrowserNavigator opens authorization URLs in the default web browser.
// It supports Linux, macOS, and Windows.
type BrowserNavigator struct{}

// Navigate implements Navigator.
func (BrowserNavigator) Navigate(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	// Start without waiting; the browser detaches into the background.
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}

	return nil
}
