// Package runtimes catalogs the supported runtime families: base images,
// handler layout rules, and the bootstrap that connects a container to the
// runtime API.
package runtimes

import (
	"fmt"
	"strings"

	"github.com/oriys/vesta/internal/domain"
)

// Info describes how a runtime family is materialized into an image.
type Info struct {
	Runtime   domain.Runtime
	Family    string // nodejs, python
	BaseImage string
	FileExts  []string // extensions a handler file may have
}

var catalog = map[domain.Runtime]Info{
	domain.RuntimeNode18: {
		Runtime:   domain.RuntimeNode18,
		Family:    "nodejs",
		BaseImage: "node:18-alpine",
		FileExts:  []string{".js", ".mjs", ".cjs"},
	},
	domain.RuntimeNode20: {
		Runtime:   domain.RuntimeNode20,
		Family:    "nodejs",
		BaseImage: "node:20-alpine",
		FileExts:  []string{".js", ".mjs", ".cjs"},
	},
	domain.RuntimeNode22: {
		Runtime:   domain.RuntimeNode22,
		Family:    "nodejs",
		BaseImage: "node:22-alpine",
		FileExts:  []string{".js", ".mjs", ".cjs"},
	},
	domain.RuntimeNode24: {
		Runtime:   domain.RuntimeNode24,
		Family:    "nodejs",
		BaseImage: "node:24-alpine",
		FileExts:  []string{".js", ".mjs", ".cjs"},
	},
	domain.RuntimePython311: {
		Runtime:   domain.RuntimePython311,
		Family:    "python",
		BaseImage: "python:3.11-alpine",
		FileExts:  []string{".py"},
	},
	domain.RuntimePython312: {
		Runtime:   domain.RuntimePython312,
		Family:    "python",
		BaseImage: "python:3.12-alpine",
		FileExts:  []string{".py"},
	},
}

// Lookup returns the catalog entry for a runtime.
func Lookup(r domain.Runtime) (Info, error) {
	info, ok := catalog[r]
	if !ok {
		return Info{}, fmt.Errorf("%w: unknown runtime %q", domain.ErrInvalidParameter, r)
	}
	return info, nil
}

// SplitHandler splits "index.handler" into the module file stem and the
// exported function name.
func SplitHandler(handler string) (module, fn string, err error) {
	idx := strings.LastIndex(handler, ".")
	if idx <= 0 || idx == len(handler)-1 {
		return "", "", fmt.Errorf("%w: handler %q must be <module>.<function>", domain.ErrInvalidParameter, handler)
	}
	return handler[:idx], handler[idx+1:], nil
}

// ValidateLayout checks that the archive's file listing contains a handler
// module for the runtime family, e.g. index.js for handler "index.handler"
// under nodejs.
func ValidateLayout(r domain.Runtime, handler string, files []string) error {
	info, err := Lookup(r)
	if err != nil {
		return err
	}
	module, _, err := SplitHandler(handler)
	if err != nil {
		return err
	}

	for _, f := range files {
		for _, ext := range info.FileExts {
			if f == module+ext {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: archive has no %s module for handler %q",
		domain.ErrInvalidParameter, info.Family, handler)
}
