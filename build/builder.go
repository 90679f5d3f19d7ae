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

// Package build runs the image build as a fixed sequence of steps. The first
// failing step ends the run, there is no retry and no resumption.
package build

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/LadySerena/mkpi/bootstrap"
	"github.com/LadySerena/mkpi/chroot"
	"github.com/LadySerena/mkpi/configure"
	"github.com/LadySerena/mkpi/media"
	"github.com/LadySerena/mkpi/partition"
	"github.com/LadySerena/mkpi/telemetry"
	"github.com/LadySerena/mkpi/utility"
	"github.com/LadySerena/mkpi/workspace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const keyDownloadTimeout = time.Minute

var ErrAlreadyRan = errors.New("builder already ran")

type Options struct {
	Workspace   workspace.Workspace
	Recipe      configure.Recipe
	Sources     string
	Compression media.Compression
	// Lenient keeps going when kpartx reports more than two partitions.
	Lenient bool
	// CleanupOnFailure unmounts and unmaps whatever the failed run left
	// behind. The scratch directories themselves are kept for inspection.
	CleanupOnFailure bool
	Runner           utility.Runner
	FileSystem       afero.Fs
	Client           *http.Client
	Sleep            func(time.Duration)
}

type Step struct {
	To   State
	Name string
	Run  func(ctx context.Context) error
}

type Builder struct {
	opts    Options
	state   State
	mounts  chroot.Mounts
	mapping partition.Mapping

	bindsMounted      bool
	imageMapped       bool
	partitionsMounted bool
}

func New(opts Options) *Builder {
	if opts.Client == nil {
		opts.Client = telemetry.HTTPClient(keyDownloadTimeout)
	}
	if opts.Compression == "" {
		opts.Compression = media.Gzip
	}
	return &Builder{
		opts:   opts,
		state:  Start,
		mounts: chroot.NewMounts(opts.Runner, opts.Workspace.RootDir(), opts.Recipe.Mounts),
	}
}

func (b *Builder) State() State {
	return b.state
}

// Archive is where the packaged image ends up.
func (b *Builder) Archive() string {
	return b.opts.Workspace.ArchivePath(b.opts.Compression.Extension())
}

func (b *Builder) points() media.MountPoints {
	return media.MountPoints{Boot: b.opts.Workspace.BootMount(), Root: b.opts.Workspace.RootMount()}
}

// Steps lists every transition in the order Run executes them.
func (b *Builder) Steps() []Step {
	ws := b.opts.Workspace
	recipe := b.opts.Recipe
	root := ws.RootDir()
	image := ws.ImagePath()

	return []Step{
		{To: Bootstrapped, Name: "Creating initial chroot", Run: func(ctx context.Context) error {
			return bootstrap.FirstStage(ctx, b.opts.Runner, recipe.Arch, ws.Dist, root, ws.Mirror)
		}},
		{To: ChrootMounted, Name: "Copying qemu-arm-static", Run: func(ctx context.Context) error {
			if err := bootstrap.InstallEmulator(b.opts.FileSystem, root, recipe.Emulator); err != nil {
				return err
			}
			logrus.Info("Mounting needed virtual filesystems")
			b.bindsMounted = true
			return b.mounts.Mount(ctx)
		}},
		{To: SecondStageDone, Name: "Finalizing chroot", Run: func(ctx context.Context) error {
			if err := configure.InjectFiles(b.opts.FileSystem, root, b.opts.Sources, recipe.Files, true); err != nil {
				return err
			}
			if err := bootstrap.SecondStage(ctx, b.opts.Runner, root); err != nil {
				return err
			}
			// the second stage may shadow /dev and /proc with its own mounts
			return b.mounts.Mount(ctx)
		}},
		{To: Configured, Name: "Configuring base services", Run: func(ctx context.Context) error {
			return configure.InjectFiles(b.opts.FileSystem, root, b.opts.Sources, recipe.Files, false)
		}},
		{To: KeysTrusted, Name: "Installing gpg public keys", Run: func(ctx context.Context) error {
			trust := configure.KeyTrust{
				FileSystem: b.opts.FileSystem,
				Runner:     b.opts.Runner,
				Client:     b.opts.Client,
				Root:       root,
				SourceDir:  b.opts.Sources,
			}
			return trust.TrustKeys(ctx, recipe.Keys)
		}},
		{To: PackagesInstalled, Name: "Installing some extra packages", Run: func(ctx context.Context) error {
			packages := configure.PackageList(recipe, ws.Locale)
			logrus.Infof("Updating apt sources and installing %d packages", len(packages))
			return configure.InstallPackages(ctx, b.opts.Runner, root, packages)
		}},
		{To: Hardened, Name: "After-install customizations", Run: func(ctx context.Context) error {
			hardener := configure.Hardener{
				FileSystem: b.opts.FileSystem,
				Runner:     b.opts.Runner,
				Root:       root,
				Sleep:      b.opts.Sleep,
			}
			return hardener.Harden(ctx, recipe.Hardening)
		}},
		{To: Unmounted, Name: "chroot done, umounting virtual filesystems", Run: func(ctx context.Context) error {
			if err := configure.RemoveTemporary(b.opts.FileSystem, root, recipe.Files); err != nil {
				return err
			}
			if err := bootstrap.RemoveEmulator(b.opts.FileSystem, root, recipe.Emulator); err != nil {
				return err
			}
			if err := b.mounts.Unmount(ctx); err != nil {
				return err
			}
			b.bindsMounted = false
			return nil
		}},
		{To: ImagePartitioned, Name: "creating virtual card image", Run: func(ctx context.Context) error {
			if err := partition.CreateImage(b.opts.FileSystem, image, recipe.ImageSize); err != nil {
				return err
			}
			if err := partition.WriteTable(ctx, b.opts.Runner, image, path.Join(b.opts.Sources, recipe.Layout)); err != nil {
				return err
			}
			b.imageMapped = true
			mapping, err := partition.MapPartitions(ctx, b.opts.Runner, image, b.opts.Lenient)
			b.mapping = mapping
			return err
		}},
		{To: ImageFormatted, Name: "Formatting disk", Run: func(ctx context.Context) error {
			return partition.CreateFileSystems(ctx, b.opts.Runner, b.mapping)
		}},
		{To: FilesPlaced, Name: "Moving files to the loop partitions", Run: func(ctx context.Context) error {
			b.partitionsMounted = true
			if err := media.MountPartitions(ctx, b.opts.Runner, b.opts.FileSystem, b.mapping, b.points()); err != nil {
				return err
			}
			return media.PlaceFiles(ctx, b.opts.Runner, root, b.points())
		}},
		{To: ImageUnmapped, Name: "Unmounting the loop partitions", Run: func(ctx context.Context) error {
			if err := media.UnmountPartitions(ctx, b.opts.Runner, b.points()); err != nil {
				return err
			}
			b.partitionsMounted = false
			logrus.Info("Unlooping image")
			if err := partition.Unmap(ctx, b.opts.Runner, image); err != nil {
				return err
			}
			b.imageMapped = false
			return nil
		}},
		{To: Packaged, Name: "Compacting image", Run: func(ctx context.Context) error {
			if err := media.Package(b.opts.FileSystem, image, b.Archive(), b.opts.Compression); err != nil {
				return err
			}
			return media.WriteChecksum(b.opts.FileSystem, b.Archive())
		}},
		{To: Cleaned, Name: "Cleaning up", Run: func(ctx context.Context) error {
			for _, scratch := range ws.Scratch() {
				if err := b.opts.FileSystem.RemoveAll(scratch); err != nil {
					return err
				}
			}
			return nil
		}},
	}
}

// Run executes every step once. A failure is returned as a *StepError and,
// with CleanupOnFailure, followed by a best effort teardown.
func (b *Builder) Run(ctx context.Context) error {
	if b.state != Start {
		return ErrAlreadyRan
	}

	ctx, span := telemetry.GetTracer().Start(ctx, "building image")
	defer span.End()
	span.SetAttributes(
		attribute.String("dist", b.opts.Workspace.Dist),
		attribute.String("locale", b.opts.Workspace.Locale),
		attribute.String("token", b.opts.Workspace.Token),
	)

	for _, step := range b.Steps() {
		if err := b.runStep(ctx, step); err != nil {
			span.SetStatus(codes.Error, err.Error())
			if b.opts.CleanupOnFailure {
				b.teardown(ctx)
			}
			return err
		}
	}

	logrus.Infof("Image packaged to %s", b.Archive())
	return nil
}

func (b *Builder) runStep(ctx context.Context, step Step) error {
	stepCtx, span := telemetry.GetTracer().Start(ctx, step.Name)
	defer span.End()

	logrus.Info(step.Name)
	if err := step.Run(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StepError{Reached: b.state, Target: step.To, Step: step.Name, Err: err}
	}

	b.state = step.To
	logrus.Debugf("reached %s", b.state)
	return nil
}

// teardown only logs, the error that stopped the run is what gets reported.
func (b *Builder) teardown(ctx context.Context) {
	logrus.Warnf("Cleaning up after failure in state %s", b.state)

	if b.partitionsMounted {
		for _, point := range []string{b.points().Boot, b.points().Root} {
			if _, err := utility.RunCommandWithOutput(ctx, b.opts.Runner, "umount "+utility.Arg(point)); err != nil {
				logrus.WithError(err).Warnf("could not unmount %s", point)
			}
		}
		b.partitionsMounted = false
	}

	if b.imageMapped {
		if err := partition.Unmap(ctx, b.opts.Runner, b.opts.Workspace.ImagePath()); err != nil {
			logrus.WithError(err).Warn("could not unmap image partitions")
		}
		b.imageMapped = false
	}

	if b.bindsMounted {
		if err := b.mounts.Unmount(ctx); err != nil {
			logrus.WithError(err).Warn("could not unmount virtual filesystems")
		}
		b.bindsMounted = false
	}
}
