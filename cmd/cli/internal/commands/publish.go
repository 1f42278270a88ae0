package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/jobwait/internal/waiter"
	"gopkg.in/yaml.v3"
)

type PublishCmd struct {
	ID            string            `help:"job id, a UUIDv7 is generated when empty"`
	File          string            `help:"YAML/JSON file with the completion fields" type:"existingfile"`
	Set           map[string]string `help:"completion fields, applied after --file"`
	ChannelPrefix string            `help:"prefix joined with the job id to name its channel" default:"generate_assignment_id_" env:"JOBWAIT_CHANNEL_PREFIX"`
	ResultTTL     time.Duration     `help:"how long the result stays readable by late waiters" default:"24h" env:"JOBWAIT_RESULT_TTL"`

	BrokerFlags `embed:""`
}

func (p *PublishCmd) Run(ctx context.Context, globals *Globals) error {
	fields, err := p.fields()
	if err != nil {
		return fmt.Errorf("failed to load completion fields: %w", err)
	}

	jobID := p.ID
	if jobID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate job id: %w", err)
		}
		jobID = id.String()
	}

	driver, results, closeFn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	publisher, err := waiter.NewPublisher(driver, results, waiter.Config{
		ChannelPrefix: p.ChannelPrefix,
		ResultTTL:     p.ResultTTL,
	})
	if err != nil {
		return err
	}

	completion, err := publisher.Publish(ctx, jobID, fields)
	if err != nil {
		return err
	}

	fmt.Println(string(completion.Raw))
	return nil
}

func (p *PublishCmd) fields() (map[string]any, error) {
	fields := make(map[string]any)

	if p.File != "" {
		data, err := os.ReadFile(p.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}

		// Determine file format by extension
		if strings.HasSuffix(strings.ToLower(p.File), ".json") {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("failed to parse JSON file: %w", err)
			}
		} else {
			// Default to YAML
			if err := yaml.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("failed to parse YAML file: %w", err)
			}
		}
	}

	for k, v := range p.Set {
		fields[k] = v
	}

	return fields, nil
}
