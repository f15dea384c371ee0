/*
 *	subrpc is a JSON-RPC 2.0 subscription client.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package reflectutil

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ErrNotPointer is returned when the output of Decode is not a non-nil pointer
var ErrNotPointer = errors.New("decode target must be a non-nil pointer")

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// Decode converts a value produced by a codec (maps, slices, strings,
// json.Number and so on) into the value pointed to by out.
func Decode(in any, out any) error {
	outVal := reflect.ValueOf(out)
	if outVal.Kind() != reflect.Ptr || outVal.IsNil() {
		return ErrNotPointer
	}

	// Nothing to decode, leave out at its current value
	if in == nil {
		return nil
	}

	inVal := reflect.ValueOf(in)
	toType := outVal.Type().Elem()

	// If input is already assignable to the desired type, set it directly
	if inVal.Type().AssignableTo(toType) {
		outVal.Elem().Set(inVal)
		return nil
	}

	// If input is a pointer pointing to the output type
	if inVal.Kind() == reflect.Ptr && inVal.Type().Elem() == toType {
		outVal.Elem().Set(reflect.Indirect(inVal))
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			textUnmarshalerHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           out,
	})
	if err != nil {
		return err
	}

	if err = dec.Decode(in); err != nil {
		return fmt.Errorf("cannot convert %s to %s: %w", inVal.Type(), toType, err)
	}
	return nil
}

// textUnmarshalerHook decodes strings into types implementing
// encoding.TextUnmarshaler, such as uuid.UUID or big.Int
func textUnmarshalerHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	str, ok := data.(string)
	if !ok || from.Kind() != reflect.String {
		return data, nil
	}

	// time.Time is handled by the RFC3339 hook
	if to == reflect.TypeOf(time.Time{}) {
		return data, nil
	}

	if !reflect.PointerTo(to).Implements(textUnmarshalerType) {
		return data, nil
	}

	// Create new value of desired type and unmarshal into it
	val := reflect.New(to)
	err := val.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(str))
	if err != nil {
		return nil, err
	}
	return val.Elem().Interface(), nil
}
