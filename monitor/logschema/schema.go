package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"spread_eval": {
		Event:    "spread_eval",
		Required: []string{"instrument", "spread", "spreadPct", "signaled"},
	},
	"admission_block": {
		Event:    "admission_block",
		Required: []string{"instrument", "reason"},
	},
	"trade_closed": {
		Event:    "trade_closed",
		Required: []string{"tradeId", "instrument", "outcome", "buyStatus", "sellStatus"},
	},
	"leg_slippage": {
		Event:    "leg_slippage",
		Required: []string{"tradeId", "instrument", "venue", "side", "expected", "filled", "slippage"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key。未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing fields: %s", event, strings.Join(missing, ","))
	}
	return nil
}
