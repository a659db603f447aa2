// Package conf loads and validates the relay's YAML configuration,
// following the same load/setDefaults/validate shape used throughout
// this codebase.
package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

type Conf struct {
	TUN     TUN     `yaml:"tun"`
	Log     Log     `yaml:"log"`
	Queue   Queue   `yaml:"queue"`
	Timeout Timeout `yaml:"timeout"`
}

func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &c, err
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

func (c *Conf) setDefaults() {
	c.TUN.setDefaults()
	c.Log.setDefaults()
	c.Queue.setDefaults()
	c.Timeout.setDefaults()
}

func (c *Conf) validate() error {
	var allErrors []error
	allErrors = append(allErrors, c.TUN.validate()...)
	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Queue.validate()...)
	allErrors = append(allErrors, c.Timeout.validate()...)
	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}
