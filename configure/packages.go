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
	"strings"

	"github.com/LadySerena/mkpi/chroot"
	"github.com/LadySerena/mkpi/utility"
)

// keep existing config files and take the maintainer default for new ones
const dpkgOptions = `-o Dpkg::Options::="--force-confdef" -o Dpkg::Options::="--force-confold"`

// PackageList returns the base packages followed by every group whose
// condition holds for locale, in recipe order.
func PackageList(recipe Recipe, locale string) []string {
	packages := append([]string{}, recipe.Packages.Base...)
	for _, group := range recipe.Packages.Groups {
		if group.applies(recipe.BaselineLocale, locale) {
			packages = append(packages, group.Packages...)
		}
	}
	return packages
}

func (g PackageGroup) applies(baseline string, locale string) bool {
	switch g.When {
	case WhenAlways:
		return true
	case WhenNonDefaultLocale:
		return locale != baseline
	default:
		return false
	}
}

func InstallPackages(ctx context.Context, runner utility.Runner, root string, packages []string) error {
	if _, err := utility.RunCommandWithOutput(ctx, runner, chroot.Command(root, "apt-get", "update")); err != nil {
		return err
	}

	install := chroot.Command(root, "apt-get", dpkgOptions, "-y", "install", strings.Join(packages, " "))
	if _, err := utility.RunCommandWithOutput(ctx, runner, install); err != nil {
		return err
	}

	if _, err := utility.RunCommandWithOutput(ctx, runner, chroot.Command(root, "apt-get", "clean")); err != nil {
		return err
	}

	return nil
}
