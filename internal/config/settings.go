package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// ErrUnknownKey is returned for a dotted key that names no setting.
var ErrUnknownKey = errors.New("unknown config key")

// Setting is one leaf of Config addressed by its dotted key, e.g.
// "chat.retry_attempts".
type Setting struct {
	Key    string
	Value  any
	Secret bool
}

// Section is the part of the key before the first dot, or "" for top-level
// settings.
func (s Setting) Section() string {
	section, _, ok := strings.Cut(s.Key, ".")
	if !ok {
		return ""
	}
	return section
}

// Keys returns every settable key in the order the fields are declared.
func Keys() []string {
	var keys []string
	walk(reflect.TypeOf(Config{}), "", func(key string, _ reflect.StructField) {
		keys = append(keys, key)
	})
	return keys
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	f, err := fieldOf(reflect.TypeOf(Config{}), key)
	return err == nil && isSecret(f)
}

// MaskSecret hides all but the last four characters of a credential.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}

// ListValues returns every setting of cfg in declaration order, with
// credentials masked when mask is set.
func ListValues(cfg *Config, mask bool) []Setting {
	v := reflect.ValueOf(cfg).Elem()
	var out []Setting
	walk(v.Type(), "", func(key string, f reflect.StructField) {
		field, _ := valueOf(v, key)
		s := Setting{Key: key, Value: field.Interface(), Secret: isSecret(f)}
		if s.Secret && mask {
			s.Value = MaskSecret(field.String())
		}
		out = append(out, s)
	})
	return out
}

// GetValue returns the value stored under key in the file at path, ignoring
// environment overrides. The file is created with defaults if missing.
func GetValue(path, key string) (any, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := valueOf(reflect.ValueOf(cfg).Elem(), key)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetValue parses value as the type of the setting under key and rewrites
// the existing file at path.
func SetValue(path, key, value string) error {
	cfg := Defaults()
	if err := readFile(path, cfg); err != nil {
		return err
	}
	root := reflect.ValueOf(cfg).Elem()
	v, err := valueOf(root, key)
	if err != nil {
		return err
	}
	f, _ := fieldOf(root.Type(), key)
	if err := assign(v, f, key, value); err != nil {
		return err
	}
	return Save(path, cfg)
}

func assign(v reflect.Value, f reflect.StructField, key, raw string) error {
	switch v.Kind() {
	case reflect.String:
		if allowed := f.Tag.Get("oneof"); allowed != "" && !slices.Contains(strings.Split(allowed, ","), raw) {
			return fmt.Errorf("%s must be one of %s, got %q", key, strings.ReplaceAll(allowed, ",", ", "), raw)
		}
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s wants true or false, got %q", key, raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s wants a whole number, got %q", key, raw)
		}
		if n < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
		v.SetInt(n)
	case reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s wants a number, got %q", key, raw)
		}
		v.SetFloat(n)
	default:
		return fmt.Errorf("%s has unsupported type %s", key, v.Type())
	}
	return nil
}

func walk(t reflect.Type, prefix string, fn func(key string, f reflect.StructField)) {
	for i := range t.NumField() {
		f := t.Field(i)
		name := tagName(f)
		if name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			walk(f.Type, key, fn)
			continue
		}
		fn(key, f)
	}
}

func fieldOf(t reflect.Type, key string) (reflect.StructField, error) {
	var f reflect.StructField
	for _, part := range strings.Split(key, ".") {
		if t.Kind() != reflect.Struct {
			return f, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		found := false
		for i := range t.NumField() {
			if tagName(t.Field(i)) == part {
				f, found = t.Field(i), true
				break
			}
		}
		if !found {
			return f, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		t = f.Type
	}
	if t.Kind() == reflect.Struct {
		return f, fmt.Errorf("%s is a section; use one of its keys", key)
	}
	return f, nil
}

func valueOf(root reflect.Value, key string) (reflect.Value, error) {
	if _, err := fieldOf(root.Type(), key); err != nil {
		return reflect.Value{}, err
	}
	v := root
	for _, part := range strings.Split(key, ".") {
		for i := range v.NumField() {
			if tagName(v.Type().Field(i)) == part {
				v = v.Field(i)
				break
			}
		}
	}
	return v, nil
}

func tagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func isSecret(f reflect.StructField) bool {
	return f.Tag.Get("secret") == "true"
}
