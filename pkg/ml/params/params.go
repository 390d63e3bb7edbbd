// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds the hyperparameters of a training run: a flat string-keyed store
// with typed defaults.
//
// Components read their configuration with GetParamOr, so a store holding only the keys
// that were explicitly set behaves the same as a store with every default filled in.
// The store is JSON serializable, which is how checkpoints save it.
package params

import (
	"encoding"
	"encoding/json"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
)

// Params is a collection of hyperparameters. It is safe for concurrent use.
type Params struct {
	mu     sync.RWMutex
	values map[string]any
}

// New creates an empty Params store.
func New() *Params {
	return &Params{values: make(map[string]any)}
}

// NewWith creates a Params store initialized with the given key/values.
func NewWith(keyValues map[string]any) *Params {
	p := New()
	p.SetParams(keyValues)
	return p
}

// Get returns the value for the given key, and whether it was found.
func (p *Params) Get(key string) (value any, found bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, found = p.values[key]
	return
}

// Set sets the value of the given key. It returns itself, so calls can be cascaded.
//
// Values are saved in checkpoints using Json encoding. This works well for `string`, `float64`, `int`,
// `bool` and slices of those, but other types may not be recovered correctly later.
func (p *Params) Set(key string, value any) *Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return p
}

// SetParams sets a collection of parameters.
func (p *Params) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		p.Set(key, value)
	}
}

// Keys returns the sorted list of keys set.
func (p *Params) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.values))
	for key := range p.values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Enumerate calls fn for every key/value set, in sorted key order.
func (p *Params) Enumerate(fn func(key string, value any)) {
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		fn(key, value)
	}
}

// Clone returns a shallow copy of the Params.
func (p *Params) Clone() *Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	clone := New()
	for key, value := range p.values {
		clone.values[key] = value
	}
	return clone
}

// MarshalJSON implements json.Marshaler.
func (p *Params) MarshalJSON() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(p.values)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are decoded as float64, and later converted
// back to the requested type by GetParamOr/MustGetParam.
func (p *Params) UnmarshalJSON(data []byte) error {
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = values
	return nil
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam returns the value of the parameter converted to type T, or panics if it is not found
// or if it cannot be converted.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently).
// Slices decoded from Json as `[]any` are converted element by element.
func MustGetParam[T any](p *Params, key string) T {
	var t T
	valueAny, found := p.Get(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found", key, t)
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	if str, ok := valueAny.(string); ok {
		if _, isDuration := any(t).(time.Duration); isDuration {
			d, err := time.ParseDuration(str)
			if err != nil {
				exceptions.Panicf("can't parse duration %q for parameter %q: %v", str, key, err)
			}
			return any(d).(T)
		}
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	valueT := reflect.New(typeOfT)
	if valueT.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := valueT.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			exceptions.Panicf("can't UnmarshalText %q to %s for parameter %q: %v", v.String(), typeOfT, key, err)
		}
		return valueT.Elem().Interface().(T)
	}
	if v.Kind() == reflect.Slice && typeOfT.Kind() == reflect.Slice {
		out := reflect.MakeSlice(typeOfT, v.Len(), v.Len())
		elemType := typeOfT.Elem()
		for ii := range v.Len() {
			elem := v.Index(ii)
			if elem.Kind() == reflect.Interface {
				elem = elem.Elem()
			}
			if !elem.CanConvert(elemType) {
				exceptions.Panicf("parameter %q: element #%d (%T) of %#v cannot be converted to %s",
					key, ii, elem.Interface(), valueAny, elemType)
			}
			out.Index(ii).Set(elem.Convert(elemType))
		}
		return out.Interface().(T)
	}
	if !v.IsValid() || !v.CanConvert(typeOfT) {
		exceptions.Panicf("parameter %q=(%T) %#v cannot be converted to %T -- values reloaded from a checkpoint "+
			"are decoded from Json, and the original type may have been decoded differently",
			key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr either returns the value for the given param key, or if the key is not found or
// the key is set to nil, it returns the given default value.
//
// Conversion follows MustGetParam, and it panics if the value set cannot be converted to T.
func GetParamOr[T any](p *Params, key string, defaultValue T) T {
	valueAny, found := p.Get(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	return MustGetParam[T](p, key)
}
