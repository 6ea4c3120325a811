package config

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

// secondsDurationHook accepts bare numbers as seconds for duration fields,
// so SPICE_HTTP_TIMEOUT=30 and SPICE_HTTP_TIMEOUT=30s are equivalent.
func secondsDurationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		s := strings.TrimSpace(v)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return data, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}
