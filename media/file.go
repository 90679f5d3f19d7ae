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
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/LadySerena/mkpi/utility"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

type Compression string

const (
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

const imageSuffix = ".img"

var ErrNoImage = errors.New("archive does not contain a disk image")

func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case Gzip:
		return Gzip, nil
	case Zstd:
		return Zstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q, expected gzip or zstd", name)
	}
}

func (c Compression) Extension() string {
	if c == Zstd {
		return ".tar.zst"
	}
	return ".tgz"
}

func (c Compression) writer(w io.Writer) (io.WriteCloser, error) {
	if c == Zstd {
		return zstd.NewWriter(w)
	}
	return gzip.NewWriterLevel(w, gzip.BestCompression)
}

// Package writes image as the single entry of a compressed tar archive.
func Package(fileSystem afero.Fs, image string, archive string, compression Compression) error {
	in, openErr := fileSystem.Open(image)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(in)

	info, statErr := in.Stat()
	if statErr != nil {
		return statErr
	}

	out, createErr := fileSystem.OpenFile(archive, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if createErr != nil {
		return createErr
	}
	defer utility.WrappedClose(out)

	compressor, compressorErr := compression.writer(out)
	if compressorErr != nil {
		return compressorErr
	}

	tarWriter := tar.NewWriter(compressor)
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path.Base(image),
		Size:     info.Size(),
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, in); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return compressor.Close()
}

// ExtractImage writes the first disk image found in archive to destination.
// The compression is picked from the archive's file name.
func ExtractImage(fileSystem afero.Fs, archive string, destination string) error {
	file, openErr := fileSystem.Open(archive)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(file)

	var stream io.Reader
	switch {
	case strings.HasSuffix(archive, Zstd.Extension()):
		decoder, decoderErr := zstd.NewReader(file)
		if decoderErr != nil {
			return decoderErr
		}
		defer decoder.Close()
		stream = decoder
	case strings.HasSuffix(archive, Gzip.Extension()), strings.HasSuffix(archive, ".tar.gz"):
		decoder, decoderErr := gzip.NewReader(file)
		if decoderErr != nil {
			return decoderErr
		}
		defer utility.WrappedClose(decoder)
		stream = decoder
	default:
		return fmt.Errorf("cannot tell the compression of %s", archive)
	}

	tarReader := tar.NewReader(stream)
	for {
		header, headerErr := tarReader.Next()
		if headerErr == io.EOF {
			return ErrNoImage
		}
		if headerErr != nil {
			return headerErr
		}
		if header.Typeflag != tar.TypeReg || !strings.HasSuffix(header.Name, imageSuffix) {
			continue
		}
		output, outputErr := fileSystem.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if outputErr != nil {
			return outputErr
		}
		defer utility.WrappedClose(output)
		_, copyErr := io.Copy(output, tarReader) //nolint:gosec
		return copyErr
	}
}
