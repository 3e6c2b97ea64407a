// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package secrets

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
)

// LoadFile reads a YAML secret file. Nested keys are flattened with dots:
//
//	db:
//	  password: hunter2
//
// yields the secret "db.password". Scalar values are stored as strings.
func LoadFile(path string) (Store, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Store{}, oops.Code("SECRETS_LOAD_FAILED").
			In("secrets").
			With("path", path).
			Hint("secret files are flat or nested YAML maps of strings").
			Wrap(err)
	}

	values := make(map[string]string, len(k.Keys()))
	for key, v := range k.All() {
		switch v.(type) {
		case map[string]any, []any:
			return Store{}, oops.Code("SECRETS_INVALID_VALUE").
				In("secrets").
				With("path", path).
				With("secret", key).
				Errorf("secret %q is not a scalar", key)
		}
		values[key] = fmt.Sprint(v)
	}
	return Store{values: values}, nil
}
