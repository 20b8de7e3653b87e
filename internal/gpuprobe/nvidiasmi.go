// SPDX-License-Identifier: MIT

package gpuprobe

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/scribeworks/scribed/internal/log"
)

const smiQuery = "index,name,memory.total,memory.used,memory.free,temperature.gpu,utilization.gpu"

// SMIDriver discovers NVIDIA devices by shelling out to nvidia-smi.
// Each Discover call is bounded by the passed context.
type SMIDriver struct {
	// Binary overrides the nvidia-smi path. Empty means $PATH lookup.
	Binary string
}

// Discover implements Driver.
func (d *SMIDriver) Discover(ctx context.Context) ([]GPU, error) {
	bin := d.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrProbeUnavailable, bin)
	}

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu="+smiQuery,
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: nvidia-smi: %v", ErrProbeUnavailable, err)
	}

	devices, err := parseSMIOutput(string(out))
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrProbeUnavailable
	}
	return devices, nil
}

func parseSMIOutput(out string) ([]GPU, error) {
	logger := log.WithComponent("gpuprobe")
	now := time.Now()
	var devices []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 7 {
			logger.Warn().Str("line", line).Msg("skipping malformed nvidia-smi line")
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parse device index %q: %w", fields[0], err)
		}
		totalMiB, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parse total memory %q: %w", fields[2], err)
		}
		usedMiB, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("parse used memory %q: %w", fields[3], err)
		}
		freeMiB, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("parse free memory %q: %w", fields[4], err)
		}
		// Temperature and utilization are optional; [N/A] on some boards.
		temp, _ := strconv.ParseFloat(fields[5], 64)
		util, _ := strconv.ParseFloat(fields[6], 64)

		devices = append(devices, GPU{
			ID:          id,
			Name:        fields[1],
			TotalGB:     totalMiB / 1024,
			UsedGB:      usedMiB / 1024,
			FreeGB:      freeMiB / 1024,
			Temperature: temp,
			Utilization: util,
			UpdatedAt:   now,
		})
	}
	return devices, nil
}
