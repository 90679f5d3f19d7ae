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
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/LadySerena/mkpi/chroot"
	"github.com/LadySerena/mkpi/utility"
	"github.com/spf13/afero"
)

const keyDir = "/tmp"

type ErrStatusCode struct {
	expectedCode int
	statusCode   int
}

func NewErrStatusCode(expectedCode int, statusCode int) *ErrStatusCode {
	return &ErrStatusCode{expectedCode: expectedCode, statusCode: statusCode}
}

func (e ErrStatusCode) Error() string {
	return fmt.Sprintf("expected http code: %d, got %d instead", e.expectedCode, e.statusCode)
}

// KeyTrust registers GPG public keys with apt inside the chroot.
type KeyTrust struct {
	FileSystem afero.Fs
	Runner     utility.Runner
	Client     *http.Client
	Root       string
	SourceDir  string
}

// TrustKeys stages every key in the root's /tmp, runs apt-key add for each
// and deletes the staged files afterwards.
func (k KeyTrust) TrustKeys(ctx context.Context, keys []Key) error {
	staged := make([]string, 0, len(keys))
	for _, key := range keys {
		name, stageErr := k.stage(ctx, key)
		if stageErr != nil {
			return stageErr
		}
		staged = append(staged, name)
	}

	for _, name := range staged {
		command := chroot.Command(k.Root, "apt-key", "add", utility.Arg(path.Join(keyDir, name)))
		if _, err := utility.RunCommandWithOutput(ctx, k.Runner, command); err != nil {
			return err
		}
	}

	for _, name := range staged {
		if err := k.FileSystem.Remove(path.Join(k.Root, keyDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (k KeyTrust) stage(ctx context.Context, key Key) (string, error) {
	if !isURL(key.Source) {
		written, err := utility.CopyFile(k.FileSystem, path.Join(k.SourceDir, key.Source), utility.TrailingSlash(path.Join(k.Root, keyDir)))
		if err != nil {
			return "", err
		}
		return path.Base(written), nil
	}

	parsed, parseErr := url.Parse(key.Source)
	if parseErr != nil {
		return "", parseErr
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive a file name from key url %s", key.Source)
	}
	if err := DownloadFile(ctx, k.Client, k.FileSystem, path.Join(k.Root, keyDir, name), key.Source); err != nil {
		return "", err
	}
	return name, nil
}

func DownloadFile(ctx context.Context, client *http.Client, fileSystem afero.Fs, fileName string, source string) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if requestErr != nil {
		return requestErr
	}

	response, downloadErr := client.Do(request)
	if downloadErr != nil {
		return downloadErr
	}
	defer utility.WrappedClose(response.Body)

	if response.StatusCode != http.StatusOK {
		return NewErrStatusCode(http.StatusOK, response.StatusCode)
	}

	if err := fileSystem.MkdirAll(path.Dir(fileName), 0755); err != nil {
		return err
	}
	return afero.WriteReader(fileSystem, fileName, response.Body)
}

func isURL(source string) bool {
	parsed, err := url.Parse(source)
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}
