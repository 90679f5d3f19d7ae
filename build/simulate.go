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

import (
	"fmt"
	"path"

	"github.com/LadySerena/mkpi/utility"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const simulatedSshdConfig = "#PermitRootLogin prohibit-password\nPasswordAuthentication yes\n"

// Simulator answers commands the way a host with every tool installed would,
// without running anything. It keeps a mount table and fakes the output the
// build parses. Plug Respond into a utility.RecordingRunner.
type Simulator struct {
	FileSystem afero.Fs
	Root       string
	Mounted    map[string]bool
}

func NewSimulator(fileSystem afero.Fs, root string) *Simulator {
	return &Simulator{FileSystem: fileSystem, Root: root, Mounted: map[string]bool{}}
}

func (s *Simulator) Respond(command string) utility.Result {
	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		return utility.Result{}
	}

	switch args[0] {
	case "mountpoint":
		if s.Mounted[args[len(args)-1]] {
			return utility.Result{}
		}
		return utility.Result{ExitCode: 1}
	case "mount":
		if len(args) >= 3 {
			s.Mounted[args[2]] = true
		}
	case "umount":
		if len(args) >= 2 {
			delete(s.Mounted, args[1])
		}
	case "debootstrap":
		if err := s.seedRoot(); err != nil {
			return utility.Result{ExitCode: 1, Output: []string{err.Error()}}
		}
	case "sfdisk":
		if len(args) > 2 && args[1] == "--json" {
			return utility.Result{Output: []string{partitionTable(args[len(args)-1])}}
		}
	case "kpartx":
		if len(args) > 1 && args[1] == "-asv" {
			return utility.Result{Output: []string{
				"add map loop0p1 (254:0): 0 524288 linear 7:0 8192",
				"add map loop0p2 (254:1): 0 3661824 linear 7:0 532480",
			}}
		}
	}
	return utility.Result{}
}

// seedRoot leaves behind the parts of a first stage tree the later steps
// read from.
func (s *Simulator) seedRoot() error {
	for _, dir := range []string{"boot", "etc/ssh", "tmp", "usr/bin"} {
		if err := s.FileSystem.MkdirAll(path.Join(s.Root, dir), 0755); err != nil {
			return err
		}
	}
	logrus.Debugf("seeded simulated root %s", s.Root)
	return afero.WriteFile(s.FileSystem, path.Join(s.Root, "etc/ssh/sshd_config"), []byte(simulatedSshdConfig), 0644)
}

func partitionTable(image string) string {
	return fmt.Sprintf(`{"partitiontable": {"label": "dos", "id": "0x5452574f", "device": %q, "unit": "sectors", "partitions": [`+
		`{"node": "%s1", "start": 8192, "size": 524288, "type": "c"}, `+
		`{"node": "%s2", "start": 532480, "size": 3661824, "type": "83"}]}}`, image, image, image)
}
