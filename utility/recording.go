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
	"strings"
)

// RecordingRunner never spawns anything. It remembers every command and asks
// Respond for the outcome, commands without a response succeed silently.
type RecordingRunner struct {
	Commands []string
	Respond  func(command string) Result
}

func (r *RecordingRunner) Exec(_ context.Context, command string) (Result, error) {
	r.Commands = append(r.Commands, command)
	if r.Respond == nil {
		return Result{}, nil
	}
	return r.Respond(command), nil
}

// WithPrefix returns the recorded commands starting with prefix, in order.
func (r *RecordingRunner) WithPrefix(prefix string) []string {
	var matched []string
	for _, command := range r.Commands {
		if strings.HasPrefix(command, prefix) {
			matched = append(matched, command)
		}
	}
	return matched
}
