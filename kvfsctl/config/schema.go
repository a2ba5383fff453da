// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schema describes the shape of a Config independently of the file format
// it was read from.
const schema = `{
  "type": "object",
  "properties": {
    "mount": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "path":      {"type": "string", "pattern": "^/"},
          "type":      {"type": "string", "minLength": 1},
          "read_only": {"type": "boolean"},
          "options":   {"type": "string", "pattern": "^[^ ]*$"}
        },
        "required": ["path", "type"]
      }
    },
    "log_level":  {"type": "string"},
    "log_format": {"type": "string", "enum": ["text", "json"]},
    "ref_leak":   {"type": "string"},
    "cwd":        {"type": "string", "pattern": "^/"},
    "max_fds":    {"type": "integer", "minimum": 0, "maximum": 1048576},
    "pipe_size":  {"type": "integer", "minimum": 0}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(schema)

// validateSchema returns an error listing every schema violation of c.
func validateSchema(c *Config) error {
	res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(c))
	if err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if res.Valid() {
		return nil
	}
	var msgs []string
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
