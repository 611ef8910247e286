package adapter

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type actionsFile struct {
	Actions map[string]HTTPAction `yaml:"actions"`
}

// ParseActions decodes an actions document. Environment variables in urls
// and header values are expanded, so credentials stay out of the file.
func ParseActions(data []byte) (map[string]HTTPAction, error) {
	var file actionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse actions: %w", err)
	}

	actions := make(map[string]HTTPAction, len(file.Actions))
	for name, action := range file.Actions {
		action.URL = os.ExpandEnv(action.URL)
		if len(action.Headers) > 0 {
			headers := make(map[string]string, len(action.Headers))
			for k, v := range action.Headers {
				headers[k] = os.ExpandEnv(v)
			}
			action.Headers = headers
		}
		actions[name] = action
	}
	return actions, nil
}

// LoadActions reads an actions file from disk
func LoadActions(path string) (map[string]HTTPAction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read actions file %s: %w", path, err)
	}
	return ParseActions(data)
}
