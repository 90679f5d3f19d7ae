/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package configure

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/LadySerena/mkpi/chroot"
	"github.com/LadySerena/mkpi/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const sshdConfigPath = "/etc/ssh/sshd_config"

var permitRootLogin = regexp.MustCompile(`(?m)^PermitRootLogin .*$`)

type Hardener struct {
	FileSystem afero.Fs
	Runner     utility.Runner
	Root       string
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (h Hardener) Harden(ctx context.Context, settings Hardening) error {
	sleep := h.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	// services started by package hooks need a moment before they can be stopped
	sleep(settings.Settle.Duration)

	root := utility.TrailingSlash(h.Root)
	for _, service := range settings.StopServices {
		if _, err := utility.RunCommandWithOutput(ctx, h.Runner, chroot.Command(root, path.Join("/etc/init.d", service), "stop")); err != nil {
			return err
		}
	}

	if settings.RootPassword != "" {
		logrus.Warnf("Setting root password to root:%s (WARNING: CHANGE ME)", settings.RootPassword)
		command := fmt.Sprintf("echo %s | %s", utility.Quote("root:"+settings.RootPassword), chroot.Command(root, "chpasswd"))
		if _, err := utility.RunCommandWithOutput(ctx, h.Runner, command); err != nil {
			return err
		}
	}

	if settings.PermitRootLogin {
		logrus.Info("Enable root login on ssh")
		return h.permitRootLogin()
	}
	return nil
}

// permitRootLogin rewrites every active PermitRootLogin directive and appends
// one when the file only carries the commented default.
func (h Hardener) permitRootLogin() error {
	name := path.Join(h.Root, sshdConfigPath)
	info, statErr := h.FileSystem.Stat(name)
	if statErr != nil {
		return statErr
	}
	current, readErr := afero.ReadFile(h.FileSystem, name)
	if readErr != nil {
		return readErr
	}

	updated := permitRootLogin.ReplaceAll(current, []byte("PermitRootLogin yes"))
	if !permitRootLogin.Match(current) {
		if len(updated) != 0 && !bytes.HasSuffix(updated, []byte("\n")) {
			updated = append(updated, '\n')
		}
		updated = append(updated, []byte("PermitRootLogin yes\n")...)
	}

	return IdempotentWrite(h.FileSystem, bytes.NewReader(updated), name, info.Mode().Perm())
}
