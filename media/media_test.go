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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/LadySerena/mkpi/partition"
	"github.com/LadySerena/mkpi/utility"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	objects map[string][]byte
}

type memoryWriter struct {
	bytes.Buffer
	name  string
	store *memoryStore
}

func (w *memoryWriter) Close() error {
	w.store.objects[w.name] = w.Bytes()
	return nil
}

func (m *memoryStore) NewReader(_ context.Context, object string) (io.ReadCloser, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", object)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) NewWriter(_ context.Context, object string) io.WriteCloser {
	return &memoryWriter{name: object, store: m}
}

var points = MountPoints{Boot: "p1_1.0", Root: "p2_1.0"}

func TestPlacingFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &utility.RecordingRunner{}
	mapping := partition.Mapping{Boot: "/dev/mapper/loop0p1", Root: "/dev/mapper/loop0p2"}

	require.NoError(t, MountPartitions(context.Background(), runner, fs, mapping, points))
	require.NoError(t, PlaceFiles(context.Background(), runner, "root_stretch_1.0", points))
	require.NoError(t, UnmountPartitions(context.Background(), runner, points))

	assert.Equal(t, []string{
		"mount /dev/mapper/loop0p1 p1_1.0",
		"mount /dev/mapper/loop0p2 p2_1.0",
		"mv root_stretch_1.0/boot/* p1_1.0/",
		"mv root_stretch_1.0/* p2_1.0/",
		"umount p1_1.0",
		"umount p2_1.0",
	}, runner.Commands)

	for _, dir := range []string{"p1_1.0", "p2_1.0"} {
		exists, err := afero.DirExists(fs, dir)
		require.NoError(t, err)
		assert.True(t, exists, dir)
	}
}

func TestPlacingFilesQuotesPaths(t *testing.T) {
	runner := &utility.RecordingRunner{}
	spaced := MountPoints{Boot: "my out/p1_1.0", Root: "my out/p2_1.0"}

	require.NoError(t, PlaceFiles(context.Background(), runner, "my out/root_stretch_1.0", spaced))
	require.NoError(t, UnmountPartitions(context.Background(), runner, spaced))
	assert.Equal(t, []string{
		"mv 'my out/root_stretch_1.0/boot'/* 'my out/p1_1.0/'",
		"mv 'my out/root_stretch_1.0'/* 'my out/p2_1.0/'",
		"umount 'my out/p1_1.0'",
		"umount 'my out/p2_1.0'",
	}, runner.Commands)
}

func TestMountPartitionsRefusesExistingDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.Mkdir("p1_1.0", 0755))
	runner := &utility.RecordingRunner{}

	assert.Error(t, MountPartitions(context.Background(), runner, fs, partition.Mapping{}, points))
	assert.Empty(t, runner.Commands)
}

func TestFlash(t *testing.T) {
	runner := &utility.RecordingRunner{}
	require.NoError(t, Flash(context.Background(), runner, "stretch_1.0.img", "/dev/sdz"))
	assert.Equal(t, []string{"dd if='stretch_1.0.img' of='/dev/sdz' bs=4M conv=fsync", "sync"}, runner.Commands)
}

func TestParseCompression(t *testing.T) {
	gzipCompression, err := ParseCompression("gzip")
	require.NoError(t, err)
	assert.Equal(t, ".tgz", gzipCompression.Extension())

	zstdCompression, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, ".tar.zst", zstdCompression.Extension())

	_, err = ParseCompression("xz")
	assert.Error(t, err)
}

func TestPackageAndExtract(t *testing.T) {
	image := bytes.Repeat([]byte{0, 0, 0, 1}, 16*1024)

	for _, compression := range []Compression{Gzip, Zstd} {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "stretch_1.0.img", image, 0644))
		archive := "stretch_1.0" + compression.Extension()

		require.NoError(t, Package(fs, "stretch_1.0.img", archive, compression), compression)
		info, statErr := fs.Stat(archive)
		require.NoError(t, statErr)
		assert.Less(t, info.Size(), int64(len(image)), compression)

		require.NoError(t, ExtractImage(fs, archive, "flash.img"), compression)
		extracted, readErr := afero.ReadFile(fs, "flash.img")
		require.NoError(t, readErr)
		assert.Equal(t, image, extracted, compression)

		assert.Error(t, Package(fs, "stretch_1.0.img", archive, compression), "archives are never overwritten")
	}
}

func TestExtractUnknownArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "image.zip", []byte("PK"), 0644))
	assert.Error(t, ExtractImage(fs, "image.zip", "flash.img"))
}

func TestChecksum(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "stretch_1.0.tgz", []byte("archive"), 0644))

	require.NoError(t, WriteChecksum(fs, "stretch_1.0.tgz"))
	line, err := afero.ReadFile(fs, "stretch_1.0.tgz.sha256")
	require.NoError(t, err)
	assert.Equal(t, "0eb3e36bfb24dcd9bb1d1bece1531216b59539a8fde17ee80224af0653c92aa3  stretch_1.0.tgz\n", string(line))
	assert.NoError(t, VerifyChecksum(fs, "stretch_1.0.tgz"))

	require.NoError(t, afero.WriteFile(fs, "stretch_1.0.tgz", []byte("tampered"), 0644))
	assert.True(t, errors.Is(VerifyChecksum(fs, "stretch_1.0.tgz"), ErrChecksumMismatch))
}

func TestUploadAndFetch(t *testing.T) {
	store := &memoryStore{objects: map[string][]byte{}}
	local := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(local, "out/stretch_1.0.tgz", []byte("archive"), 0644))
	require.NoError(t, WriteChecksum(local, "out/stretch_1.0.tgz"))

	require.NoError(t, Upload(context.Background(), store, local, "out/stretch_1.0.tgz"))
	assert.Contains(t, store.objects, "stretch_1.0.tgz")
	assert.Contains(t, store.objects, "stretch_1.0.tgz.sha256")

	remote := afero.NewMemMapFs()
	require.NoError(t, FetchArchive(context.Background(), store, remote, "stretch_1.0.tgz"))
	assert.NoError(t, VerifyChecksum(remote, "stretch_1.0.tgz"))

	delete(store.objects, "stretch_1.0.tgz")
	assert.NoError(t, FetchArchive(context.Background(), store, remote, "stretch_1.0.tgz"), "local copies are reused")
	assert.Error(t, FetchArchive(context.Background(), store, afero.NewMemMapFs(), "stretch_1.0.tgz"))
}
