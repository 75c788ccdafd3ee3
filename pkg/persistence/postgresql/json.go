package postgresql

import (
	"fmt"

	"github.com/dukex/opsflow/pkg/xjson"
)

// jsonValue encodes v for a JSONB column. Nil maps and slices become NULL.
func jsonValue(name string, v any) (any, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	if string(data) == "null" {
		return nil, nil
	}

	return string(data), nil
}

func jsonScan(name string, data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	if err := xjson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}

	return nil
}
