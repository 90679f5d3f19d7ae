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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/LadySerena/mkpi/build"
	"github.com/LadySerena/mkpi/configure"
	"github.com/LadySerena/mkpi/media"
	"github.com/LadySerena/mkpi/telemetry"
	"github.com/LadySerena/mkpi/utility"
	"github.com/LadySerena/mkpi/workspace"
	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// a dry run keeps the image in memory
const dryRunImageSize = datasize.MB

var ErrNotRoot = errors.New("mkpi needs root privileges for debootstrap, mount and kpartx")

var (
	sourceDir        string
	recipeFile       string
	outputDir        string
	compressionName  string
	bucketName       string
	credentialsFile  string
	jaegerEndpoint   string
	logLevel         string
	cleanupOnFailure bool
	lenientMapping   bool
	dryRun           bool
	printRecipe      bool
)

var rootCmd = &cobra.Command{
	Use:   "mkpi [dist [mirror [lang]]]",
	Short: "Build a minimal Raspbian image for the Raspberry Pi",
	Long: "Bootstraps an armhf root filesystem with debootstrap, installs a small package set,\n" +
		"copies the static configuration from the sources directory and packages a ready to\n" +
		"flash card image.",
	Example:           "  mkpi\n  mkpi buster http://raspbian.raspberrypi.org/raspbian de_DE",
	Args:              cobra.MaximumNArgs(3),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: configureLogging,
	RunE:              runBuild,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&sourceDir, "sources", "s", "sources", "directory holding the files copied into the image")
	flags.StringVarP(&recipeFile, "recipe", "r", "", "TOML recipe overriding the built in defaults")
	flags.StringVarP(&outputDir, "output", "o", "", "directory the working tree and the archive are written to")
	flags.StringVarP(&compressionName, "compression", "c", string(media.Gzip), "archive compression, gzip or zstd")
	flags.StringVar(&bucketName, "bucket", "", "upload the archive to this cloud storage bucket")
	flags.StringVar(&credentialsFile, "credentials", "", "service account file for the bucket upload")
	flags.StringVar(&jaegerEndpoint, "jaeger-endpoint", "", "jaeger collector endpoint for traces")
	flags.StringVar(&logLevel, "log-level", logrus.InfoLevel.String(), "log level")
	flags.BoolVar(&cleanupOnFailure, "cleanup-on-failure", false, "unmount and unmap what a failed run left behind")
	flags.BoolVar(&lenientMapping, "lenient-mapping", false, "continue when kpartx maps more than two partitions")
	flags.BoolVar(&dryRun, "dry-run", false, "print the commands a build would run without running them")
	flags.BoolVar(&printRecipe, "print-recipe", false, "print the effective recipe and exit")
}

func configureLogging(_ *cobra.Command, _ []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// positional fills in the defaults for missing trailing arguments.
func positional(args []string) (dist string, mirror string, locale string) {
	dist, mirror, locale = workspace.DefaultDist, workspace.DefaultMirror, workspace.DefaultLocale
	if len(args) > 0 {
		dist = args[0]
	}
	if len(args) > 1 {
		mirror = args[1]
	}
	if len(args) > 2 {
		locale = args[2]
	}
	return dist, mirror, locale
}

func loadRecipe(fileSystem afero.Fs) (configure.Recipe, error) {
	if recipeFile == "" {
		return configure.DefaultRecipe()
	}
	return configure.LoadRecipe(fileSystem, recipeFile)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	localFs := afero.NewOsFs()

	recipe, recipeErr := loadRecipe(localFs)
	if recipeErr != nil {
		return fmt.Errorf("could not load recipe: %w", recipeErr)
	}
	if printRecipe {
		return configure.DumpRecipe(recipe, cmd.OutOrStdout())
	}

	if !dryRun && os.Geteuid() != 0 {
		return ErrNotRoot
	}

	compression, compressionErr := media.ParseCompression(compressionName)
	if compressionErr != nil {
		return compressionErr
	}

	if err := configure.CheckSources(localFs, sourceDir, recipe); err != nil {
		return err
	}

	dist, mirror, locale := positional(args)
	ws, wsErr := workspace.New(dist, mirror, locale, recipe.Arch, outputDir, time.Now())
	if wsErr != nil {
		return wsErr
	}

	shutdown, telemetryErr := telemetry.Init(jaegerEndpoint)
	if telemetryErr != nil {
		return fmt.Errorf("could not set up tracing: %w", telemetryErr)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logrus.WithError(err).Warn("could not flush traces")
		}
	}()

	opts := build.Options{
		Workspace:        ws,
		Recipe:           recipe,
		Sources:          sourceDir,
		Compression:      compression,
		Lenient:          lenientMapping,
		CleanupOnFailure: cleanupOnFailure,
		Runner:           utility.NewShellRunner(),
		FileSystem:       localFs,
		Client:           telemetry.HTTPClient(time.Minute),
		Sleep:            time.Sleep,
	}

	var recorder *utility.RecordingRunner
	if dryRun {
		opts.FileSystem = afero.NewCopyOnWriteFs(afero.NewReadOnlyFs(localFs), afero.NewMemMapFs())
		recorder = &utility.RecordingRunner{Respond: build.NewSimulator(opts.FileSystem, ws.RootDir()).Respond}
		opts.Runner = recorder
		opts.Sleep = func(time.Duration) {}
		logrus.Infof("dry run: image allocated at %s instead of %s", dryRunImageSize.HR(), recipe.ImageSize.HR())
		opts.Recipe.ImageSize = dryRunImageSize
	} else if outputDir != "" {
		if err := localFs.MkdirAll(outputDir, 0755); err != nil {
			return err
		}
	}

	logrus.Infof("Building %s from %s for locale %s (run %s)", ws.Dist, ws.Mirror, ws.Locale, ws.Token)
	builder := build.New(opts)
	if err := builder.Run(ctx); err != nil {
		return err
	}

	if dryRun {
		for _, command := range recorder.Commands {
			fmt.Fprintln(cmd.OutOrStdout(), command)
		}
		return nil
	}

	if bucketName != "" {
		return upload(ctx, localFs, builder.Archive())
	}
	return nil
}

func upload(ctx context.Context, fileSystem afero.Fs, archive string) error {
	store, storeErr := media.NewBucketStore(ctx, bucketName, credentialsFile)
	if storeErr != nil {
		return storeErr
	}
	defer utility.WrappedClose(store)

	logrus.Infof("Uploading %s to gs://%s", archive, bucketName)
	return media.Upload(ctx, store, fileSystem, archive)
}

// reportFailure prints what the failing command printed, one trimmed line at
// a time, followed by the error itself.
func reportFailure(w io.Writer, err error) {
	var commandErr *utility.CommandError
	if errors.As(err, &commandErr) {
		fmt.Fprintln(w, "Command failed")
		for _, line := range commandErr.Output {
			fmt.Fprintln(w, strings.TrimSpace(line))
		}
	}
	fmt.Fprintln(w, err)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		reportFailure(os.Stderr, err)
		os.Exit(1)
	}
}
