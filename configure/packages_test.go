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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/LadySerena/mkpi/utility"
	"github.com/google/shlex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var consolePackages = []string{"console-data", "console-tools", "console-setup", "tzdata", "keyboard-configuration"}

func TestPackageListLocale(t *testing.T) {
	recipe, err := DefaultRecipe()
	require.NoError(t, err)

	cases := []struct {
		locale       string
		withConsole  bool
		expectedSize int
	}{
		{locale: "en_US", withConsole: false, expectedSize: 22},
		{locale: "fr_FR", withConsole: true, expectedSize: 27},
		{locale: "en_GB", withConsole: true, expectedSize: 27},
	}
	for _, tt := range cases {
		actual := PackageList(recipe, tt.locale)
		assert.Len(t, actual, tt.expectedSize, tt.locale)
		assert.Equal(t, recipe.Packages.Base, actual[:len(recipe.Packages.Base)], tt.locale)
		for _, pkg := range consolePackages {
			if tt.withConsole {
				assert.Contains(t, actual, pkg, tt.locale)
			} else {
				assert.NotContains(t, actual, pkg, tt.locale)
			}
		}
	}
}

func TestPackageListDoesNotAliasBase(t *testing.T) {
	recipe := Recipe{
		BaselineLocale: "en_US",
		Packages: PackageSet{
			Base:   make([]string, 1, 8),
			Groups: []PackageGroup{{Name: "extra", When: WhenAlways, Packages: []string{"vim"}}},
		},
	}
	recipe.Packages.Base[0] = "iw"

	assert.Equal(t, []string{"iw", "vim"}, PackageList(recipe, "en_US"))
	assert.Equal(t, []string{"iw"}, recipe.Packages.Base)
}

func TestInstallPackages(t *testing.T) {
	runner := &utility.RecordingRunner{}
	require.NoError(t, InstallPackages(context.Background(), runner, "root_stretch_1.0", []string{"iw", "ntpdate"}))

	require.Len(t, runner.Commands, 3)
	assert.Equal(t, "chroot root_stretch_1.0 apt-get update", runner.Commands[0])
	assert.Equal(t, "chroot root_stretch_1.0 apt-get clean", runner.Commands[2])

	install, err := shlex.Split(runner.Commands[1])
	require.NoError(t, err)
	assert.Equal(t, []string{
		"chroot", "root_stretch_1.0", "apt-get",
		"-o", "Dpkg::Options::=--force-confdef",
		"-o", "Dpkg::Options::=--force-confold",
		"-y", "install", "iw", "ntpdate",
	}, install)
}

func TestInstallPackagesStopsOnFailure(t *testing.T) {
	runner := &utility.RecordingRunner{Respond: func(command string) utility.Result {
		if strings.HasSuffix(command, "apt-get update") {
			return utility.Result{ExitCode: 100, Output: []string{"E: Release file not found"}}
		}
		return utility.Result{}
	}}

	err := InstallPackages(context.Background(), runner, "root", []string{"iw"})

	var commandErr *utility.CommandError
	require.True(t, errors.As(err, &commandErr))
	assert.Equal(t, 100, commandErr.ExitCode)
	assert.Len(t, runner.Commands, 1)
}
