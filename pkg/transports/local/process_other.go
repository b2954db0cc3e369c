//go:build !unix

package local

import "os/exec"

func configureProcess(_ *exec.Cmd) {}
