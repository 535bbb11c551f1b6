package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/vazmin/combinecache/internal/bytesize"
)

// stringToByteSizeHookFunc lets viper/mapstructure decode "64Mi",
// "128KB", etc. directly into a bytesize.ByteSize field.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		if from.Kind() != reflect.String {
			return data, nil
		}
		return bytesize.ParseByteSize(data.(string))
	}
}
