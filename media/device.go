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

package media

import (
	"context"
	"fmt"
	"path"

	"github.com/LadySerena/mkpi/partition"
	"github.com/LadySerena/mkpi/utility"
	"github.com/spf13/afero"
)

// MountPoints are the two directories the mapped partitions are mounted on
// while the bootstrapped tree is moved into them.
type MountPoints struct {
	Boot string
	Root string
}

func MountPartitions(ctx context.Context, runner utility.Runner, fileSystem afero.Fs, mapping partition.Mapping, points MountPoints) error {
	if err := fileSystem.Mkdir(points.Boot, 0751); err != nil {
		return err
	}

	if err := fileSystem.Mkdir(points.Root, 0751); err != nil {
		return err
	}

	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("mount %s %s", utility.Arg(mapping.Boot), utility.Arg(points.Boot))); err != nil {
		return err
	}

	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("mount %s %s", utility.Arg(mapping.Root), utility.Arg(points.Root))); err != nil {
		return err
	}

	return nil
}

// PlaceFiles moves /boot of the bootstrapped tree onto the boot partition
// and everything else onto the root partition.
func PlaceFiles(ctx context.Context, runner utility.Runner, root string, points MountPoints) error {
	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("mv %s/* %s", utility.Arg(path.Join(root, "boot")), utility.Arg(utility.TrailingSlash(points.Boot)))); err != nil {
		return err
	}

	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("mv %s/* %s", utility.Arg(root), utility.Arg(utility.TrailingSlash(points.Root)))); err != nil {
		return err
	}

	return nil
}

func UnmountPartitions(ctx context.Context, runner utility.Runner, points MountPoints) error {
	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("umount %s", utility.Arg(points.Boot))); err != nil {
		return err
	}

	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("umount %s", utility.Arg(points.Root))); err != nil {
		return err
	}

	return nil
}

// Flash writes a raw image to a block device.
func Flash(ctx context.Context, runner utility.Runner, image string, device string) error {
	command := fmt.Sprintf("dd if=%s of=%s bs=4M conv=fsync", utility.Quote(image), utility.Quote(device))
	if _, err := utility.RunCommandWithOutput(ctx, runner, command); err != nil {
		return err
	}

	_, err := utility.RunCommandWithOutput(ctx, runner, "sync")
	return err
}
