// ABOUTME: Loads the node's locally scheduled job definitions from a YAML file
// ABOUTME: Jobs are reported to the gateway verbatim after every reconnect

package nodectl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flockhq/flock-gateway/internal/protocol"
)

type jobsFile struct {
	Jobs []jobEntry `yaml:"jobs"`
}

type jobEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Goal     string `yaml:"goal"`
}

// LoadJobs reads job definitions from path. An empty path means the node
// has no scheduled jobs and returns an empty list.
func LoadJobs(path string) ([]protocol.JobSummary, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}

	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing jobs file: %w", err)
	}

	jobs := make([]protocol.JobSummary, 0, len(f.Jobs))
	for i, j := range f.Jobs {
		if j.ID == "" {
			return nil, fmt.Errorf("job %d missing id", i)
		}
		if j.Schedule == "" {
			return nil, fmt.Errorf("job %q missing schedule", j.ID)
		}
		jobs = append(jobs, protocol.JobSummary{
			ID:       j.ID,
			Name:     j.Name,
			Schedule: j.Schedule,
			Goal:     j.Goal,
		})
	}
	return jobs, nil
}
