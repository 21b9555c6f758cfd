//go:build !unix

package converter

import "os/exec"

func isolateProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error { return nil }
