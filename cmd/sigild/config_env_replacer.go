package main

import (
	"reflect"
)

// replaceEnvKeys walks the parsed config and replaces string values of
// the form $FOO with the value of the FOO environment variable. This is
// how secrets (database_url, root_keys, oauth credentials) stay out of
// the config file itself.
func replaceEnvKeys(data interface{}, getenv func(string) string) error {
	val := reflect.ValueOf(data)

	// Elem() only works on interfaces and pointers.
	if val.Kind() != reflect.Interface && val.Kind() != reflect.Ptr {
		return nil
	}

	s := val.Elem()

	// Skip things we cannot modify
	if !s.CanSet() {
		return nil
	}

	// Convert strings if they start with '$'
	if s.Kind() == reflect.String {
		value := s.Interface().(string)
		if len(value) > 2 && string(value[0]) == "$" {
			s.SetString(getenv(value[1:]))
		}
		return nil
	}

	// Structs
	if s.Kind() == reflect.Struct {
		for i := 0; i < s.NumField(); i += 1 {
			f := s.Field(i)

			// Recurse through fields
			err := replaceEnvKeys(f.Addr().Interface(), getenv)
			if err != nil {
				return err
			}
		}
		return nil
	}

	if s.Kind() == reflect.Slice {
		for i := 0; i < s.Len(); i += 1 {
			err := replaceEnvKeys(s.Index(i).Addr().Interface(), getenv)
			if err != nil {
				return err
			}
		}
		return nil
	}

	return nil
}
