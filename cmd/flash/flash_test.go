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

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/LadySerena/mkpi/media"
	"github.com/LadySerena/mkpi/utility"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-i", "stretch_1.0.tgz", "-d", "/dev/sdz", "--bucket", "images"})
	require.NoError(t, err)
	assert.Equal(t, options{archive: "stretch_1.0.tgz", device: "/dev/sdz", bucket: "images"}, opts)

	_, err = parseFlags([]string{"-d", "/dev/sdz"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"-i", "stretch_1.0.tgz", "-d", "sdz"})
	assert.Error(t, err)
}

func archiveFixture(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "stretch_1.0.img", []byte("raw image"), 0644))
	require.NoError(t, media.Package(fs, "stretch_1.0.img", "stretch_1.0.tgz", media.Gzip))
	require.NoError(t, media.WriteChecksum(fs, "stretch_1.0.tgz"))
	return fs
}

func TestFlashLocal(t *testing.T) {
	fs := archiveFixture(t)
	runner := &utility.RecordingRunner{}
	opts := options{archive: "stretch_1.0.tgz", device: "/dev/sdz"}

	out := &bytes.Buffer{}
	require.NoError(t, flashLocal(context.Background(), opts, fs, runner, strings.NewReader("yes\n"), out))
	assert.Equal(t, []string{"dd if='image-to-be-flashed.img' of='/dev/sdz' bs=4M conv=fsync", "sync"}, runner.Commands)
	assert.Contains(t, out.String(), "/dev/sdz")

	exists, err := afero.Exists(fs, decompressedImageFileName)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFlashLocalDeclined(t *testing.T) {
	fs := archiveFixture(t)
	runner := &utility.RecordingRunner{}
	opts := options{archive: "stretch_1.0.tgz", device: "/dev/sdz"}

	out := &bytes.Buffer{}
	require.NoError(t, flashLocal(context.Background(), opts, fs, runner, strings.NewReader("\n"), out))
	assert.Empty(t, runner.Commands)
	assert.Contains(t, out.String(), "nope")
}

func TestFlashLocalRejectsTamperedArchive(t *testing.T) {
	fs := archiveFixture(t)
	require.NoError(t, afero.WriteFile(fs, "stretch_1.0.tgz.sha256", []byte("deadbeef  stretch_1.0.tgz\n"), 0644))
	runner := &utility.RecordingRunner{}
	opts := options{archive: "stretch_1.0.tgz", device: "/dev/sdz", yes: true}

	err := flashLocal(context.Background(), opts, fs, runner, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, media.ErrChecksumMismatch)
	assert.Empty(t, runner.Commands)
}
