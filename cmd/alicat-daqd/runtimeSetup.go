// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// dropPrivileges changes the process's user and group to those
// configured in config.json, once the listener/serial ports have
// already been opened as root. The go runtime takes care of applying
// the underlying syscall to every thread, not just the calling one.
func dropPrivileges(group, username string) error {
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return err
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf("runtimeSetup: group %q has non-numeric gid %q", group, g.Gid)
		}
		if err := syscall.Setgid(gid); err != nil {
			return err
		}
	}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return err
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf("runtimeSetup: user %q has non-numeric uid %q", username, u.Uid)
		}
		if err := syscall.Setuid(uid); err != nil {
			return err
		}
	}

	return nil
}

// systemdNotify informs systemd of a readiness/status change, per
// https://www.freedesktop.org/software/systemd/man/sd_notify.html.
// A no-op unless the process was actually started by systemd.
func systemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	_ = cmd.Run() // errors ignored on purpose, there is not much to do anyways.
}
