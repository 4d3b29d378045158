package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a memory amount in bytes. It decodes from integers or from
// sizes such as "512M" and "1G" (binary multiples, as pm2 reads them).
type ByteSize uint64

func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

// EnvVars decodes from a table of names to values or from a list of
// "KEY=VALUE" strings. Table keys are upper-cased because the config
// reader folds them to lower case.
type EnvVars map[string]string

var (
	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(ByteSize(0))
	envVarsType  = reflect.TypeOf(EnvVars(nil))
	stringsType  = reflect.TypeOf([]string(nil))
)

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationHook,
		byteSizeHook,
		envVarsHook,
		stringSliceHook,
	)
}

// durationHook accepts Go duration strings ("10s") and plain numbers,
// which are milliseconds ("4000", 4000).
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseDuration(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		return time.Duration(n) * time.Millisecond, nil
	case float32, float64:
		f, _ := strconv.ParseFloat(fmt.Sprint(v), 64)
		return time.Duration(f * float64(time.Millisecond)), nil
	}
	return data, nil
}

// ParseDuration parses "1.5s" style durations; a bare number is milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func byteSizeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != byteSizeType {
		return data, nil
	}
	if s, ok := data.(string); ok {
		return ParseByteSize(s)
	}
	return data, nil
}

// ParseByteSize parses "1G", "512MB", "300m" or a plain byte count.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return ByteSize(n), nil
}

func envVarsHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != envVarsType {
		return data, nil
	}
	out := EnvVars{}
	switch v := data.(type) {
	case map[string]any:
		for k, val := range v {
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	case []any:
		for _, item := range v {
			if err := out.add(fmt.Sprint(item)); err != nil {
				return nil, err
			}
		}
	case []string:
		for _, item := range v {
			if err := out.add(item); err != nil {
				return nil, err
			}
		}
	case string:
		// environment override: "A=1,B=2"
		for _, item := range strings.Split(v, ",") {
			if strings.TrimSpace(item) == "" {
				continue
			}
			if err := out.add(strings.TrimSpace(item)); err != nil {
				return nil, err
			}
		}
	default:
		return data, nil
	}
	return out, nil
}

func (e EnvVars) add(kv string) error {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
	}
	e[kv[:i]] = kv[i+1:]
	return nil
}

// Keys returns the variable names in sorted order.
func (e EnvVars) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stringSliceHook splits a single string on whitespace, so both
// args = "--port 80" and args = ["--port", "80"] work.
func stringSliceHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != stringsType {
		return data, nil
	}
	if s, ok := data.(string); ok {
		return strings.Fields(s), nil
	}
	return data, nil
}
