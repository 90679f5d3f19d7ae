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

// Package workspace names everything a single image build writes to disk.
package workspace

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"time"
)

const (
	DefaultDist   = "stretch"
	DefaultMirror = "http://mirrordirector.raspbian.org/raspbian"
	DefaultLocale = "en_US"
)

var distPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.+-]*$`)

// Workspace is fixed once the run starts. Token is derived a single time and
// every path embeds that same value.
type Workspace struct {
	Dist   string
	Mirror string
	Locale string
	Arch   string
	Token  string
	Dir    string
}

// NewToken formats now as seconds and microseconds, e.g. 1660000000.123456.
func NewToken(now time.Time) string {
	return fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/int(time.Microsecond))
}

func New(dist string, mirror string, locale string, arch string, dir string, now time.Time) (Workspace, error) {
	if !distPattern.MatchString(dist) {
		return Workspace{}, fmt.Errorf("invalid distribution name: %q", dist)
	}
	parsed, parseErr := url.Parse(mirror)
	if parseErr != nil {
		return Workspace{}, fmt.Errorf("invalid mirror %q: %w", mirror, parseErr)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return Workspace{}, fmt.Errorf("mirror %q is not an absolute url", mirror)
	}
	if locale == "" {
		return Workspace{}, fmt.Errorf("locale must not be empty")
	}
	if dir == "" {
		dir = "."
	}
	return Workspace{
		Dist:   dist,
		Mirror: mirror,
		Locale: locale,
		Arch:   arch,
		Token:  NewToken(now),
		Dir:    dir,
	}, nil
}

// RootDir is where the foreign root filesystem is bootstrapped.
func (w Workspace) RootDir() string {
	return filepath.Join(w.Dir, fmt.Sprintf("root_%s_%s", w.Dist, w.Token))
}

func (w Workspace) ImagePath() string {
	return filepath.Join(w.Dir, fmt.Sprintf("%s_%s.img", w.Dist, w.Token))
}

func (w Workspace) BootMount() string {
	return filepath.Join(w.Dir, fmt.Sprintf("p1_%s", w.Token))
}

func (w Workspace) RootMount() string {
	return filepath.Join(w.Dir, fmt.Sprintf("p2_%s", w.Token))
}

func (w Workspace) ArchivePath(extension string) string {
	return filepath.Join(w.Dir, fmt.Sprintf("%s_%s%s", w.Dist, w.Token, extension))
}

// Scratch lists everything removed once the archive exists.
func (w Workspace) Scratch() []string {
	return []string{w.RootDir(), w.BootMount(), w.RootMount(), w.ImagePath()}
}
