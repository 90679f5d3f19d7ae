/*
 * Copyright (c) 2021 Serena Tiede
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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/LadySerena/mkpi/utility"
	"github.com/spf13/afero"
	"google.golang.org/api/option"
)

const checksumSuffix = ".sha256"

var ErrChecksumMismatch = errors.New("checksums do not match")

// ObjectStore is the part of a cloud bucket the image tooling needs.
type ObjectStore interface {
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)
	NewWriter(ctx context.Context, object string) io.WriteCloser
}

type BucketStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewBucketStore opens a Cloud Storage bucket. Without a credentials file the
// application default credentials are used.
func NewBucketStore(ctx context.Context, bucket string, credentialsFile string) (*BucketStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, clientErr := storage.NewClient(ctx, opts...)
	if clientErr != nil {
		return nil, fmt.Errorf("error creating cloud storage client: %w", clientErr)
	}
	return &BucketStore{client: client, bucket: client.Bucket(bucket)}, nil
}

func (b *BucketStore) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	return b.bucket.Object(object).NewReader(ctx)
}

func (b *BucketStore) NewWriter(ctx context.Context, object string) io.WriteCloser {
	return b.bucket.Object(object).NewWriter(ctx)
}

func (b *BucketStore) Close() error {
	return b.client.Close()
}

// Upload copies the archive and its checksum file into the store, keyed by
// their base names.
func Upload(ctx context.Context, store ObjectStore, fileSystem afero.Fs, archive string) error {
	for _, name := range []string{archive, archive + checksumSuffix} {
		if err := uploadFile(ctx, store, fileSystem, name); err != nil {
			return fmt.Errorf("error uploading %s: %w", name, err)
		}
	}
	return nil
}

func uploadFile(ctx context.Context, store ObjectStore, fileSystem afero.Fs, name string) error {
	file, openErr := fileSystem.Open(name)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(file)

	writer := store.NewWriter(ctx, path.Base(name))
	if _, err := io.Copy(writer, file); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// FetchArchive downloads object and its checksum file into the working
// directory unless they are already there.
func FetchArchive(ctx context.Context, store ObjectStore, fileSystem afero.Fs, object string) error {
	for _, name := range []string{object, object + checksumSuffix} {
		exists, statErr := afero.Exists(fileSystem, name)
		if statErr != nil {
			return statErr
		}
		if exists {
			continue
		}
		reader, readerErr := store.NewReader(ctx, name)
		if readerErr != nil {
			return fmt.Errorf("error creating reader for %s: %w", name, readerErr)
		}
		writeErr := afero.WriteReader(fileSystem, name, reader)
		utility.WrappedClose(reader)
		if writeErr != nil {
			return writeErr
		}
	}
	return nil
}

// WriteChecksum stores the sha256 of name next to it in sha256sum format.
func WriteChecksum(fileSystem afero.Fs, name string) error {
	sum, sumErr := fileHash(fileSystem, name)
	if sumErr != nil {
		return sumErr
	}
	line := fmt.Sprintf("%s  %s\n", sum, path.Base(name))
	return afero.WriteFile(fileSystem, name+checksumSuffix, []byte(line), 0644)
}

// VerifyChecksum compares name against the checksum file written next to it.
func VerifyChecksum(fileSystem afero.Fs, name string) error {
	checksumFile, readErr := afero.ReadFile(fileSystem, name+checksumSuffix)
	if readErr != nil {
		return readErr
	}
	expected, extractErr := extractChecksum(checksumFile)
	if extractErr != nil {
		return extractErr
	}
	actual, sumErr := fileHash(fileSystem, name)
	if sumErr != nil {
		return sumErr
	}
	if actual != expected {
		return ErrChecksumMismatch
	}
	return nil
}

func fileHash(fileSystem afero.Fs, name string) (string, error) {
	file, openErr := fileSystem.Open(name)
	if openErr != nil {
		return "", openErr
	}
	defer utility.WrappedClose(file)

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func extractChecksum(fileBytes []byte) (string, error) {
	split := bytes.Fields(fileBytes)
	if len(split) != 2 {
		return "", errors.New("length mismatch check file format")
	}
	return string(split[0]), nil
}
