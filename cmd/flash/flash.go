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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/LadySerena/mkpi/media"
	"github.com/LadySerena/mkpi/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

const decompressedImageFileName = "image-to-be-flashed.img"

type options struct {
	archive     string
	device      string
	bucket      string
	credentials string
	yes         bool
}

func parseFlags(args []string) (options, error) {
	opts := options{}
	flags := flag.NewFlagSet("flash", flag.ContinueOnError)
	flags.StringVarP(&opts.archive, "image", "i", "", "archive written by mkpi, e.g. stretch_1660000000.123456.tgz")
	flags.StringVarP(&opts.device, "device", "d", "", "block device to flash the image to")
	flags.StringVar(&opts.bucket, "bucket", "", "fetch the archive from this cloud storage bucket when it is not local")
	flags.StringVar(&opts.credentials, "credentials", "", "service account file for the bucket")
	flags.BoolVarP(&opts.yes, "yes", "y", false, "do not ask for confirmation")

	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if opts.archive == "" {
		return options{}, errors.New("you must specify a valid disk image")
	}
	if !strings.HasPrefix(opts.device, "/dev/") {
		return options{}, errors.New("you must specify a valid block device")
	}
	return opts, nil
}

func flash(ctx context.Context, opts options, fileSystem afero.Fs, runner utility.Runner, in io.Reader, out io.Writer) error {
	if opts.bucket != "" {
		store, storeErr := media.NewBucketStore(ctx, opts.bucket, opts.credentials)
		if storeErr != nil {
			return storeErr
		}
		defer utility.WrappedClose(store)

		if err := media.FetchArchive(ctx, store, fileSystem, opts.archive); err != nil {
			return err
		}
	}

	return flashLocal(ctx, opts, fileSystem, runner, in, out)
}

// flashLocal verifies and unpacks a local archive and writes the image to the
// device once the user agreed.
func flashLocal(ctx context.Context, opts options, fileSystem afero.Fs, runner utility.Runner, in io.Reader, out io.Writer) error {
	if err := media.VerifyChecksum(fileSystem, opts.archive); err != nil {
		return fmt.Errorf("could not verify %s: %w", opts.archive, err)
	}

	if err := media.ExtractImage(fileSystem, opts.archive, decompressedImageFileName); err != nil {
		return fmt.Errorf("could not decompress image: %w", err)
	}
	defer func() {
		if err := fileSystem.Remove(decompressedImageFileName); err != nil {
			logrus.WithError(err).Warn("could not remove decompressed image")
		}
	}()

	if !opts.yes && !utility.ConfirmDialog(in, out, "are you sure you want to flash the image to %s: [y/N]: ", opts.device) {
		fmt.Fprintln(out, "nope")
		return nil
	}

	return media.Flash(ctx, runner, decompressedImageFileName, opts.device)
}

func main() {
	opts, parseErr := parseFlags(os.Args[1:])
	if parseErr != nil {
		logrus.Fatal(parseErr)
	}

	if err := flash(context.Background(), opts, afero.NewOsFs(), utility.NewShellRunner(), os.Stdin, os.Stdout); err != nil {
		logrus.Fatalf("could not flash %s: %v", opts.device, err)
	}
}
