// Copyright 2026 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/pflag"
)

// BindFlags Creates one command line flag per exported config field, named after its
// yaml tag and namespaced by section, e.g. --reconcile.max_retries. Flags write
// straight into the config.
func BindFlags(fs *pflag.FlagSet, obj interface{}) error {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("top level object must be a non-nil pointer, %v is passed", v.Type())
	}
	if v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("object must be a pointer to struct, %v is passed", v.Type())
	}
	bindStruct(fs, "", v.Elem())
	return nil
}

func bindStruct(fs *pflag.FlagSet, prefix string, value reflect.Value) {
	tt := value.Type()
	for i := 0; i < value.NumField(); i++ {
		stField := tt.Field(i)
		// Only exported fields can be set, same as yaml and json.
		if stField.PkgPath != "" {
			continue
		}

		name := stField.Tag.Get("yaml")
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(stField.Name)
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		usage := stField.Tag.Get("usage")
		if usage == "" {
			usage = name
		}

		bindValue(fs, name, value.Field(i), usage)
	}
}

func bindValue(fs *pflag.FlagSet, name string, field reflect.Value, usage string) {
	switch field.Kind() {
	case reflect.Ptr:
		if field.Type().Elem().Kind() != reflect.Struct {
			return
		}
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		bindStruct(fs, name, field.Elem())
	case reflect.Struct:
		bindStruct(fs, name, field)
	case reflect.String:
		p := field.Addr().Interface().(*string)
		fs.StringVar(p, name, *p, usage)
	case reflect.Bool:
		p := field.Addr().Interface().(*bool)
		fs.BoolVar(p, name, *p, usage)
	case reflect.Int:
		p := field.Addr().Interface().(*int)
		fs.IntVar(p, name, *p, usage)
	case reflect.Int64:
		p := field.Addr().Interface().(*int64)
		fs.Int64Var(p, name, *p, usage)
	case reflect.Float64:
		p := field.Addr().Interface().(*float64)
		fs.Float64Var(p, name, *p, usage)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			p := field.Addr().Interface().(*[]string)
			fs.StringSliceVar(p, name, *p, usage)
		}
	}
}

type flagOverride struct {
	value string
	slice []string
}

func captureChangedFlags(fs *pflag.FlagSet) map[string]flagOverride {
	overrides := make(map[string]flagOverride)
	if fs == nil {
		return overrides
	}
	fs.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			overrides[f.Name] = flagOverride{slice: sv.GetSlice()}
			return
		}
		overrides[f.Name] = flagOverride{value: f.Value.String()}
	})
	return overrides
}

func restoreChangedFlags(fs *pflag.FlagSet, overrides map[string]flagOverride) error {
	for name, o := range overrides {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(o.slice); err != nil {
				return fmt.Errorf("could not restore flag %v: %w", name, err)
			}
			continue
		}
		if err := f.Value.Set(o.value); err != nil {
			return fmt.Errorf("could not restore flag %v: %w", name, err)
		}
	}
	return nil
}
