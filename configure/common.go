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
	"embed"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
)

//go:embed files/*
var configFiles embed.FS

const defaultRecipePath = "files/recipe.toml"

const (
	WhenAlways           = "always"
	WhenNonDefaultLocale = "non-default-locale"
)

type Recipe struct {
	Arch           string            `toml:"arch"`
	Emulator       string            `toml:"emulator"`
	BaselineLocale string            `toml:"baseline_locale"`
	ImageSize      datasize.ByteSize `toml:"image_size"`
	Layout         string            `toml:"layout"`
	Mounts         []string          `toml:"mounts"`
	Packages       PackageSet        `toml:"packages"`
	Files          []File            `toml:"file"`
	Keys           []Key             `toml:"key"`
	Hardening      Hardening         `toml:"hardening"`
}

type PackageSet struct {
	Base   []string       `toml:"base"`
	Groups []PackageGroup `toml:"group"`
}

type PackageGroup struct {
	Name     string   `toml:"name"`
	When     string   `toml:"when"`
	Packages []string `toml:"packages"`
}

// File is copied verbatim from the sources directory into the root.
// Temporary files go in before the second bootstrap stage and are removed
// again before the root is unmounted.
type File struct {
	Source    string `toml:"source"`
	Target    string `toml:"target"`
	Temporary bool   `toml:"temporary"`
}

// Key is a GPG public key file in the sources directory or an http(s) URL.
type Key struct {
	Source string `toml:"source"`
}

type Hardening struct {
	Settle          Duration `toml:"settle"`
	StopServices    []string `toml:"stop_services"`
	RootPassword    string   `toml:"root_password"`
	PermitRootLogin bool     `toml:"permit_root_login"`
}

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func DefaultRecipe() (Recipe, error) {
	data, readErr := configFiles.ReadFile(defaultRecipePath)
	if readErr != nil {
		return Recipe{}, readErr
	}
	return decodeRecipe(Recipe{}, string(data))
}

// LoadRecipe reads a TOML recipe. Keys missing from the file keep the values
// of the embedded default recipe.
func LoadRecipe(fs afero.Fs, name string) (Recipe, error) {
	data, readErr := afero.ReadFile(fs, name)
	if readErr != nil {
		return Recipe{}, readErr
	}
	defaults, defaultErr := DefaultRecipe()
	if defaultErr != nil {
		return Recipe{}, defaultErr
	}
	return decodeRecipe(defaults, string(data))
}

func decodeRecipe(recipe Recipe, data string) (Recipe, error) {
	overrides := Recipe{}
	meta, decodeErr := toml.Decode(data, &overrides)
	if decodeErr != nil {
		return Recipe{}, decodeErr
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return Recipe{}, fmt.Errorf("unknown recipe keys: %v", undecoded)
	}
	merge(&recipe, overrides, meta)

	if err := recipe.Validate(); err != nil {
		return Recipe{}, err
	}
	return recipe, nil
}

func merge(recipe *Recipe, overrides Recipe, meta toml.MetaData) {
	if meta.IsDefined("arch") {
		recipe.Arch = overrides.Arch
	}
	if meta.IsDefined("emulator") {
		recipe.Emulator = overrides.Emulator
	}
	if meta.IsDefined("baseline_locale") {
		recipe.BaselineLocale = overrides.BaselineLocale
	}
	if meta.IsDefined("image_size") {
		recipe.ImageSize = overrides.ImageSize
	}
	if meta.IsDefined("layout") {
		recipe.Layout = overrides.Layout
	}
	if meta.IsDefined("mounts") {
		recipe.Mounts = overrides.Mounts
	}
	if meta.IsDefined("packages", "base") {
		recipe.Packages.Base = overrides.Packages.Base
	}
	if meta.IsDefined("packages", "group") {
		recipe.Packages.Groups = overrides.Packages.Groups
	}
	if meta.IsDefined("file") {
		recipe.Files = overrides.Files
	}
	if meta.IsDefined("key") {
		recipe.Keys = overrides.Keys
	}
	if meta.IsDefined("hardening", "settle") {
		recipe.Hardening.Settle = overrides.Hardening.Settle
	}
	if meta.IsDefined("hardening", "stop_services") {
		recipe.Hardening.StopServices = overrides.Hardening.StopServices
	}
	if meta.IsDefined("hardening", "root_password") {
		recipe.Hardening.RootPassword = overrides.Hardening.RootPassword
	}
	if meta.IsDefined("hardening", "permit_root_login") {
		recipe.Hardening.PermitRootLogin = overrides.Hardening.PermitRootLogin
	}
}

// DumpRecipe writes the effective recipe, defaults included, as TOML.
func DumpRecipe(recipe Recipe, w io.Writer) error {
	return toml.NewEncoder(w).Encode(recipe)
}

func (r Recipe) Validate() error {
	var problems []string
	if r.Arch == "" {
		problems = append(problems, "arch is empty")
	}
	if r.Emulator == "" {
		problems = append(problems, "emulator is empty")
	}
	if r.BaselineLocale == "" {
		problems = append(problems, "baseline_locale is empty")
	}
	if r.ImageSize == 0 {
		problems = append(problems, "image_size is zero")
	}
	if r.Layout == "" {
		problems = append(problems, "layout is empty")
	}
	if len(r.Packages.Base) == 0 {
		problems = append(problems, "packages.base is empty")
	}
	for _, group := range r.Packages.Groups {
		if group.When != WhenAlways && group.When != WhenNonDefaultLocale {
			problems = append(problems, fmt.Sprintf("package group %q has unknown condition %q", group.Name, group.When))
		}
	}
	for _, file := range r.Files {
		if file.Source == "" || !path.IsAbs(file.Target) {
			problems = append(problems, fmt.Sprintf("file %q needs a source and an absolute target", file.Source))
		}
	}
	if len(problems) != 0 {
		return errors.New("invalid recipe: " + strings.Join(problems, ", "))
	}
	return nil
}

// Sources lists every file the recipe expects in the sources directory.
func (r Recipe) Sources() []string {
	sources := []string{r.Layout}
	for _, file := range r.Files {
		sources = append(sources, file.Source)
	}
	for _, key := range r.Keys {
		if !isURL(key.Source) {
			sources = append(sources, key.Source)
		}
	}
	return sources
}

// CheckSources fails when any file the recipe copies is missing, before
// anything is bootstrapped.
func CheckSources(fs afero.Fs, sourceDir string, recipe Recipe) error {
	var missing []string
	for _, source := range recipe.Sources() {
		exists, err := afero.Exists(fs, path.Join(sourceDir, source))
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, source)
		}
	}
	if len(missing) != 0 {
		return fmt.Errorf("missing files in %s: %s", sourceDir, strings.Join(missing, ", "))
	}
	return nil
}
