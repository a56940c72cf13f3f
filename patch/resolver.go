package patch

import (
	"fmt"
	"strings"

	"github.com/lorakit/lorakit/nn"
)

// Resolve maps a flat, underscore-delimited LoRA layer key onto the model's
// hierarchical namespace, returning the canonical dot-separated module key
// and the module it addresses.
//
// After the prefix is stripped, tokens are accumulated greedily: the
// shortest accumulation naming a direct sub-module wins and the walk
// descends there. When no sub-module matches, the next raw token is
// appended with an underscore and the lookup retries — this is what lets
// sub-module names that legitimately contain underscores survive the flat
// key format. Shortest-accumulated-match-first is the resolution policy: a
// name that is both a valid sub-module and a prefix of a longer valid name
// resolves to the shorter one.
//
// The walk never probes the last accumulated token inside the loop, so a
// final descent is always performed after it.
func Resolve(model *nn.Module, key, prefix string) (string, *nn.Module, error) {
	if !strings.HasPrefix(key, prefix) {
		return "", nil, &InvalidKeyError{Key: key, Prefix: prefix}
	}

	parts := strings.Split(strings.TrimPrefix(key, prefix), "_")

	module := model
	moduleKey := ""
	name := parts[0]

	for _, part := range parts[1:] {
		if child, ok := module.Child(name); ok {
			module = child
			moduleKey += "." + name
			name = part
		} else {
			name += "_" + part
		}
	}

	child, ok := module.Child(name)
	if !ok {
		return "", nil, &InvalidKeyError{
			Key:    key,
			Prefix: prefix,
			Err:    fmt.Errorf("no submodule %q under %q", name, strings.TrimPrefix(moduleKey, ".")),
		}
	}

	return strings.TrimPrefix(moduleKey+"."+name, "."), child, nil
}
