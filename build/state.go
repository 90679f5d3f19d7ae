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

package build

import "fmt"

// State is how far a build got. States only ever move forward.
type State int

const (
	Start State = iota
	Bootstrapped
	ChrootMounted
	SecondStageDone
	Configured
	KeysTrusted
	PackagesInstalled
	Hardened
	Unmounted
	ImagePartitioned
	ImageFormatted
	FilesPlaced
	ImageUnmapped
	Packaged
	Cleaned
)

var stateNames = map[State]string{
	Start:             "START",
	Bootstrapped:      "BOOTSTRAPPED",
	ChrootMounted:     "CHROOT_MOUNTED",
	SecondStageDone:   "SECOND_STAGE_DONE",
	Configured:        "CONFIGURED",
	KeysTrusted:       "KEYS_TRUSTED",
	PackagesInstalled: "PACKAGES_INSTALLED",
	Hardened:          "HARDENED",
	Unmounted:         "UNMOUNTED",
	ImagePartitioned:  "IMAGE_PARTITIONED",
	ImageFormatted:    "IMAGE_FORMATTED",
	FilesPlaced:       "FILES_PLACED",
	ImageUnmapped:     "IMAGE_UNMAPPED",
	Packaged:          "PACKAGED",
	Cleaned:           "CLEANED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StepError reports the step that failed and the last state reached.
type StepError struct {
	Reached State
	Target  State
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s (%s -> %s): %v", e.Step, e.Reached, e.Target, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
