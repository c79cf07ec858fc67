package directory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type rawRecord struct {
	Index      json.RawMessage `json:"index"`
	Name       string          `json:"name"`
	Properties map[string]any  `json:"properties"`
}

// ParseIndex parses a server object index. Empty, signed, fractional or
// out-of-range input is an error, never a default.
func ParseIndex(s string) (uint32, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "null" {
		return 0, fmt.Errorf("%w: missing index", ErrParse)
	}

	index, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: index %q: %v", ErrParse, trimmed, err)
	}

	return uint32(index), nil
}

// FormatIndex is the inverse of ParseIndex.
func FormatIndex(index uint32) string {
	return strconv.FormatUint(uint64(index), 10)
}

func parseRecords(kind Kind, out []byte) ([]Record, error) {
	var raws []rawRecord
	if err := json.Unmarshal(out, &raws); err != nil {
		return nil, fmt.Errorf("%w: decode %s listing: %v", ErrParse, kind, err)
	}

	records := make([]Record, 0, len(raws))
	for i, raw := range raws {
		index, err := ParseIndex(string(raw.Index))
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", kind, i, err)
		}

		props := make(map[string]string, len(raw.Properties))
		for key, value := range raw.Properties {
			// pactl emits every property as a string; anything else is not a property we use
			if s, ok := value.(string); ok {
				props[key] = s
			}
		}

		records = append(records, Record{
			Index:             index,
			Kind:              kind,
			Name:              raw.Name,
			ApplicationName:   props[propApplicationName],
			ApplicationBinary: props[propApplicationBinary],
			Properties:        props,
		})
	}

	return records, nil
}

// parseModules parses `pactl list modules short`: id, name and arguments separated by tabs.
func parseModules(out []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo

	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.SplitN(line, "\t", 3)
		id, err := ParseIndex(fields[0])
		if err != nil {
			return nil, fmt.Errorf("module line %q: %w", line, err)
		}

		module := ModuleInfo{ID: id}
		if len(fields) > 1 {
			module.Name = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			module.Args = strings.TrimSpace(fields[2])
		}

		modules = append(modules, module)
	}

	return modules, nil
}
