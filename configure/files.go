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
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/LadySerena/mkpi/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// InjectFiles copies the recipe files whose Temporary flag equals temporary
// into root. Contents are not templated.
func InjectFiles(fileSystem afero.Fs, root string, sourceDir string, files []File, temporary bool) error {
	for _, file := range files {
		if file.Temporary != temporary {
			continue
		}
		written, err := utility.CopyFile(fileSystem, path.Join(sourceDir, file.Source), targetPath(root, file))
		if err != nil {
			return err
		}
		logrus.Debugf("copied %s to %s", file.Source, written)
	}
	return nil
}

// RemoveTemporary deletes the temporary recipe files from root again.
func RemoveTemporary(fileSystem afero.Fs, root string, files []File) error {
	for _, file := range files {
		if !file.Temporary {
			continue
		}
		if err := fileSystem.Remove(targetPath(root, file)); err != nil {
			return err
		}
	}
	return nil
}

func targetPath(root string, file File) string {
	target := path.Join(root, file.Target)
	if strings.HasSuffix(file.Target, "/") {
		target = path.Join(target, path.Base(file.Source))
	}
	return target
}

// IdempotentWrite only touches the file when its content differs from what
// reader yields.
func IdempotentWrite(fileSystem afero.Fs, reader io.Reader, name string, mode os.FileMode) error {
	incomingData, readErr := io.ReadAll(reader)
	if readErr != nil {
		return readErr
	}

	currentData, currentErr := afero.ReadFile(fileSystem, name)
	if currentErr != nil && !errors.Is(currentErr, fs.ErrNotExist) {
		return currentErr
	}

	if currentErr == nil && bytes.Equal(incomingData, currentData) {
		return nil
	}

	return afero.WriteFile(fileSystem, name, incomingData, mode)
}
