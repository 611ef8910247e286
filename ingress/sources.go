package ingress

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources registers every source listed in a YAML file of the form
//
//	sources:
//	  - name: mail
//	    types: [message.received]
//	    schema: {type: object, required: [subject]}
func (i *Ingress) LoadSources(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, cfg := range file.Sources {
		if err := i.RegisterSource(cfg); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
