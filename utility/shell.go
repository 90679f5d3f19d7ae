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
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/LadySerena/mkpi/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ShellRunner hands every command to /bin/sh so redirections and pipes in the
// command string work. Commands are not bound to ctx, a hung tool hangs the run.
type ShellRunner struct {
	Shell string
}

func NewShellRunner() ShellRunner {
	return ShellRunner{Shell: "/bin/sh"}
}

func (r ShellRunner) Exec(ctx context.Context, command string) (Result, error) {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", command))
	defer span.End()

	logrus.Infof("Executing: %s", command)

	cmd := exec.Command(r.Shell, "-c", command) //nolint:gosec
	output, err := cmd.CombinedOutput()
	lines := SplitLines(output)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		span.SetAttributes(attribute.Int("exit_code", exitErr.ExitCode()))
		span.SetStatus(codes.Error, "non zero exit code")
		return Result{ExitCode: exitErr.ExitCode(), Output: lines}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	span.SetAttributes(attribute.Int("exit_code", 0))
	return Result{Output: lines}, nil
}
