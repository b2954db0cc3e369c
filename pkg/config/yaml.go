package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a unit catalog from YAML. Unknown fields are rejected.
func ParseYAML(data []byte, source string) (*UnitsFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file UnitsFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ValidationErrors{{File: source, Message: "empty catalog"}}
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			errs := make(ValidationErrors, len(typeErr.Errors))
			for i, msg := range typeErr.Errors {
				errs[i] = ValidationError{File: source, Message: msg}
			}
			return nil, errs
		}
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	file.SourceFiles = []string{source}
	return &file, nil
}
