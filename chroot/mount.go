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

package chroot

import (
	"context"
	"fmt"
	"strings"

	"github.com/LadySerena/mkpi/utility"
	"github.com/sirupsen/logrus"
)

// DefaultMounts are bound from the host in this order. /dev/pts lives inside
// /dev so the list must be torn down back to front.
var DefaultMounts = []string{"/dev", "/dev/pts", "/sys", "/proc", "/tmp"}

// Mounts bind-mounts host virtual filesystems into Root. Both directions
// check mountpoint(1) first, so calling Mount twice in a row only binds what
// went missing in between.
type Mounts struct {
	Root   string
	Points []string
	Runner utility.Runner
}

func NewMounts(runner utility.Runner, root string, points []string) Mounts {
	if len(points) == 0 {
		points = DefaultMounts
	}
	return Mounts{Root: strings.TrimSuffix(root, "/"), Points: points, Runner: runner}
}

func (m Mounts) Mount(ctx context.Context) error {
	for _, point := range m.Points {
		target := m.Root + point
		mounted, checkErr := m.isMounted(ctx, target)
		if checkErr != nil {
			return checkErr
		}
		if mounted {
			continue
		}
		if _, err := utility.RunCommandWithOutput(ctx, m.Runner, fmt.Sprintf("mount %s %s -o bind", utility.Arg(point), utility.Arg(target))); err != nil {
			return err
		}
	}
	return nil
}

func (m Mounts) Unmount(ctx context.Context) error {
	for i := len(m.Points) - 1; i >= 0; i-- {
		target := m.Root + m.Points[i]
		mounted, checkErr := m.isMounted(ctx, target)
		if checkErr != nil {
			return checkErr
		}
		if !mounted {
			continue
		}
		if _, err := utility.RunCommandWithOutput(ctx, m.Runner, fmt.Sprintf("umount %s", utility.Arg(target))); err != nil {
			return err
		}
	}
	return nil
}

func (m Mounts) isMounted(ctx context.Context, target string) (bool, error) {
	logrus.Infof("Checking %s", target)
	result, err := m.Runner.Exec(ctx, "mountpoint -q "+utility.Quote(target))
	if err != nil {
		return false, fmt.Errorf("could not query mount point %s: %w", target, err)
	}
	return result.ExitCode == 0, nil
}

// Command builds a command line that runs args inside root. Only root is
// quoted, args are passed to the shell as written.
func Command(root string, args ...string) string {
	return strings.Join(append([]string{"chroot", utility.Arg(root)}, args...), " ")
}
