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

package utility

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/shlex"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandWithOutputFailure(t *testing.T) {
	runner := &RecordingRunner{Respond: func(command string) Result {
		return Result{ExitCode: 2, Output: []string{"E: broken", "  trailing  "}}
	}}

	output, err := RunCommandWithOutput(context.Background(), runner, "apt-get update")

	var commandErr *CommandError
	require.True(t, errors.As(err, &commandErr))
	assert.Equal(t, "apt-get update", commandErr.Command)
	assert.Equal(t, 2, commandErr.ExitCode)
	assert.Equal(t, []string{"E: broken", "  trailing  "}, commandErr.Output)
	assert.Equal(t, commandErr.Output, output)
}

func TestRunCommandWithOutputSuccess(t *testing.T) {
	runner := &RecordingRunner{Respond: func(command string) Result {
		return Result{Output: []string{"ok"}}
	}}

	output, err := RunCommandWithOutput(context.Background(), runner, "true")
	assert.NoError(t, err)
	assert.Equal(t, []string{"ok"}, output)
	assert.Equal(t, []string{"true"}, runner.Commands)
}

func TestShellRunner(t *testing.T) {
	runner := NewShellRunner()

	result, err := runner.Exec(context.Background(), "echo one; echo two")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{"one", "two"}, result.Output)

	failed, failedErr := runner.Exec(context.Background(), "echo nope >&2; exit 3")
	require.NoError(t, failedErr)
	assert.Equal(t, 3, failed.ExitCode)
	assert.Equal(t, []string{"nope"}, failed.Output)
}

func TestQuote(t *testing.T) {
	cases := []string{
		"http://mirrordirector.raspbian.org/raspbian",
		"it's here",
		"root_stretch_1.2/dev pts",
	}
	for _, input := range cases {
		split, err := shlex.Split("mountpoint -q " + Quote(input))
		require.NoError(t, err)
		assert.Equal(t, []string{"mountpoint", "-q", input}, split)
	}
}

func TestArg(t *testing.T) {
	assert.Equal(t, "root_stretch_1.5/dev", Arg("root_stretch_1.5/dev"))
	assert.Equal(t, "/dev/mapper/loop0p1", Arg("/dev/mapper/loop0p1"))
	assert.Equal(t, "'my out/p1_1.5/'", Arg("my out/p1_1.5/"))
	assert.Equal(t, "''", Arg(""))

	for _, input := range []string{"my out/root", "a;b", "$HOME", "*", "it's"} {
		split, err := shlex.Split("umount " + Arg(input))
		require.NoError(t, err)
		assert.Equal(t, []string{"umount", input}, split)
	}
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, SplitLines(nil))
	assert.Nil(t, SplitLines([]byte("\n")))
	assert.Equal(t, []string{"a", "", "b"}, SplitLines([]byte("a\n\nb\n")))
}

func TestMapperName(t *testing.T) {
	assert.Equal(t, "/dev/mapper/loop0p1", MapperName("loop0p1"))
}

func TestCopyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "sources/hostname", []byte("raspberrypi\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/usr/bin/qemu-arm-static", []byte("elf"), 0755))

	written, err := CopyFile(fs, "sources/hostname", "root/etc/")
	require.NoError(t, err)
	assert.Equal(t, "root/etc/hostname", written)
	content, readErr := afero.ReadFile(fs, written)
	require.NoError(t, readErr)
	assert.Equal(t, "raspberrypi\n", string(content))

	binary, binaryErr := CopyFile(fs, "/usr/bin/qemu-arm-static", "root/usr/bin/qemu")
	require.NoError(t, binaryErr)
	info, statErr := fs.Stat(binary)
	require.NoError(t, statErr)
	assert.Equal(t, "-rwxr-xr-x", info.Mode().Perm().String())

	_, missingErr := CopyFile(fs, "sources/missing", "root/etc/")
	assert.Error(t, missingErr)
}

func TestConfirmDialog(t *testing.T) {
	cases := []struct {
		input    string
		expected bool
	}{
		{input: "y\n", expected: true},
		{input: "YES\n", expected: true},
		{input: "\n", expected: false},
		{input: "n\n", expected: false},
		{input: "", expected: false},
	}
	for _, tt := range cases {
		var out bytes.Buffer
		actual := ConfirmDialog(strings.NewReader(tt.input), &out, "flash %s? [y/N]: ", "/dev/sdz")
		assert.Equal(t, tt.expected, actual, "input %q", tt.input)
		assert.Equal(t, "flash /dev/sdz? [y/N]: ", out.String())
	}
}
