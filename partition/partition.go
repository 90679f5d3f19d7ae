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

package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/LadySerena/mkpi/utility"
	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// expectedPartitions is one FAT32 boot and one ext4 root partition.
const expectedPartitions = 2

var ErrPartitionCount = errors.New("partition number does not equal 2")

type TableOutput struct {
	PartitionTable struct {
		Label      string           `json:"label"`
		ID         string           `json:"id"`
		Device     string           `json:"device"`
		Unit       string           `json:"unit"`
		Partitions []PartitionEntry `json:"partitions"`
	} `json:"partitiontable"`
}

type PartitionEntry struct {
	Node  string `json:"node"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Type  string `json:"type"`
}

// Mapping holds the device mapper nodes kpartx created for the image. They
// are only valid until Unmap.
type Mapping struct {
	Boot string
	Root string
}

// CreateImage allocates a sparse file of the given size.
func CreateImage(fs afero.Fs, image string, size datasize.ByteSize) error {
	file, openErr := fs.OpenFile(image, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(file)

	return file.Truncate(int64(size.Bytes()))
}

func sfdiskCommand(image string, options ...string) string {
	return strings.Join(append([]string{"sfdisk"}, append(options, utility.Arg(image))...), " ")
}

// WriteTable feeds the declarative layout to sfdisk and checks the result
// holds exactly the two expected partitions.
func WriteTable(ctx context.Context, runner utility.Runner, image string, layout string) error {
	if _, err := utility.RunCommandWithOutput(ctx, runner, sfdiskCommand(image)+" < "+utility.Arg(layout)); err != nil {
		return err
	}

	table, tableErr := GetPartitionTable(ctx, runner, image)
	if tableErr != nil {
		return tableErr
	}
	if len(table.PartitionTable.Partitions) != expectedPartitions {
		return fmt.Errorf("layout %s produced %d partitions on %s: %w", layout, len(table.PartitionTable.Partitions), image, ErrPartitionCount)
	}
	return nil
}

func GetPartitionTable(ctx context.Context, runner utility.Runner, image string) (TableOutput, error) {
	output, err := utility.RunCommandWithOutput(ctx, runner, sfdiskCommand(image, "--json"))
	if err != nil {
		return TableOutput{}, err
	}
	parsedOutput := TableOutput{}
	if err := json.Unmarshal([]byte(strings.Join(output, "\n")), &parsedOutput); err != nil {
		return TableOutput{}, fmt.Errorf("could not parse partition table of %s: %w", image, err)
	}
	return parsedOutput, nil
}

// ParseMapperOutput reads kpartx -v output, one line per partition in the
// form "add map loop0p1 (254:0): 0 ...". The third field is the mapper name.
// Output is captured with stderr, anything that is not an "add map" line is
// logged and skipped.
func ParseMapperOutput(lines []string) ([]string, error) {
	var devices []string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 || fields[0] != "add" || fields[1] != "map" {
			logrus.Infof("kpartx: %s", strings.TrimSpace(line))
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected kpartx output: %q", line)
		}
		devices = append(devices, utility.MapperName(fields[2]))
	}
	return devices, nil
}

// MapPartitions exposes the image partitions as device mapper nodes. Any
// count other than two is an error unless lenient is set, in which case the
// first two devices are used as long as there are at least two.
func MapPartitions(ctx context.Context, runner utility.Runner, image string, lenient bool) (Mapping, error) {
	output, mapErr := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("kpartx -asv %s", utility.Arg(image)))
	if mapErr != nil {
		return Mapping{}, mapErr
	}

	devices, parseErr := ParseMapperOutput(output)
	if parseErr != nil {
		return Mapping{}, parseErr
	}

	if len(devices) != expectedPartitions {
		logrus.Warn("Partition number does not equal 2")
		for _, line := range output {
			logrus.Warn(strings.TrimSpace(line))
		}
		if !lenient || len(devices) < expectedPartitions {
			return Mapping{Boot: first(devices, 0), Root: first(devices, 1)}, fmt.Errorf("kpartx mapped %d partitions for %s: %w", len(devices), image, ErrPartitionCount)
		}
	}

	return Mapping{Boot: devices[0], Root: devices[1]}, nil
}

func first(devices []string, index int) string {
	if index < len(devices) {
		return devices[index]
	}
	return ""
}

func CreateFileSystems(ctx context.Context, runner utility.Runner, mapping Mapping) error {
	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("mkfs.vfat -F 32 %s", utility.Arg(mapping.Boot))); err != nil {
		return err
	}

	if _, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("mkfs.ext4 %s", utility.Arg(mapping.Root))); err != nil {
		return err
	}

	return nil
}

func Unmap(ctx context.Context, runner utility.Runner, image string) error {
	_, err := utility.RunCommandWithOutput(ctx, runner, fmt.Sprintf("kpartx -d %s", utility.Arg(image)))
	return err
}
