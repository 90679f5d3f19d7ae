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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const mapperDir = "/dev/mapper"

// Result is what a Runner reports back for a finished command.
type Result struct {
	ExitCode int
	Output   []string
}

// Runner executes a shell command string and waits for it to finish. The
// returned error is only set when the command could not be started at all, a
// non-zero exit is reported through Result.ExitCode.
type Runner interface {
	Exec(ctx context.Context, command string) (Result, error)
}

type CommandError struct {
	Command  string
	ExitCode int
	Output   []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
}

// RunCommandWithOutput runs command and turns a non-zero exit into a
// *CommandError carrying everything the command printed.
func RunCommandWithOutput(ctx context.Context, runner Runner, command string) ([]string, error) {
	result, execErr := runner.Exec(ctx, command)
	if execErr != nil {
		return nil, fmt.Errorf("could not start %q: %w", command, execErr)
	}
	if result.ExitCode != 0 {
		return result.Output, &CommandError{Command: command, ExitCode: result.ExitCode, Output: result.Output}
	}
	return result.Output, nil
}

// Quote wraps s in single quotes so the shell passes it through as one word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var plainWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Arg quotes s only when the shell would otherwise split or expand it.
func Arg(s string) string {
	if plainWord.MatchString(s) {
		return s
	}
	return Quote(s)
}

func SplitLines(output []byte) []string {
	trimmed := strings.TrimRight(string(output), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func MapperName(name string) string {
	return path.Join(mapperDir, name)
}

func TrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func WrappedClose(closer io.Closer) {
	if err := closer.Close(); err != nil {
		logrus.Panicf("could not close closer properly: %v", err)
	}
}

// CopyFile copies source to destination keeping the permission bits. When
// destination ends in a slash the file keeps its base name inside that
// directory, which is created if needed.
func CopyFile(fs afero.Fs, source string, destination string) (string, error) {
	if strings.HasSuffix(destination, "/") {
		destination = path.Join(destination, path.Base(source))
	}

	info, statErr := fs.Stat(source)
	if statErr != nil {
		return "", statErr
	}

	if err := fs.MkdirAll(path.Dir(destination), 0755); err != nil {
		return "", err
	}

	in, openErr := fs.Open(source)
	if openErr != nil {
		return "", openErr
	}
	defer WrappedClose(in)

	out, createErr := fs.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if createErr != nil {
		return "", createErr
	}
	defer WrappedClose(out)

	if _, err := io.Copy(out, in); err != nil {
		return "", err
	}
	return destination, nil
}

// ConfirmDialog prints the question and reads one line of input. Only an
// explicit yes counts as confirmation.
func ConfirmDialog(in io.Reader, out io.Writer, format string, a ...any) bool {
	if _, err := fmt.Fprintf(out, format, a...); err != nil {
		return false
	}
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
