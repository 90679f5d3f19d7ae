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

// Package bootstrap drives the two debootstrap stages for a foreign
// architecture root filesystem.
package bootstrap

import (
	"context"
	"fmt"
	"path"

	"github.com/LadySerena/mkpi/chroot"
	"github.com/LadySerena/mkpi/utility"
	"github.com/spf13/afero"
)

const (
	emulatorDir      = "/usr/bin"
	secondStageEntry = "/debootstrap/debootstrap"
)

// FirstStage unpacks the base packages without configuring them, nothing
// from the target architecture runs yet.
func FirstStage(ctx context.Context, runner utility.Runner, arch string, dist string, root string, mirror string) error {
	command := fmt.Sprintf("debootstrap --no-check-gpg --foreign --arch %s %s %s %s", arch, dist, utility.Arg(utility.TrailingSlash(root)), utility.Quote(mirror))
	_, err := utility.RunCommandWithOutput(ctx, runner, command)
	return err
}

// InstallEmulator copies the static user mode emulator into the root so the
// kernel's binfmt handler finds it after chroot.
func InstallEmulator(fileSystem afero.Fs, root string, emulator string) error {
	_, err := utility.CopyFile(fileSystem, emulator, utility.TrailingSlash(path.Join(root, emulatorDir)))
	return err
}

func RemoveEmulator(fileSystem afero.Fs, root string, emulator string) error {
	return fileSystem.Remove(path.Join(root, emulatorDir, path.Base(emulator)))
}

func SecondStage(ctx context.Context, runner utility.Runner, root string) error {
	_, err := utility.RunCommandWithOutput(ctx, runner, chroot.Command(root, secondStageEntry, "--second-stage"))
	return err
}
