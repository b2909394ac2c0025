// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// Data is our internal representation of configuration data.
type Data map[string]interface{}

// DataFromObject remarshals the given object into configuration data.
func DataFromObject(obj interface{}) (Data, error) {
	raw, err := yaml.Marshal(obj)
	if err != nil {
		return nil, configError("failed to marshal object %T to data: %v", obj, err)
	}
	data := make(Data)
	if err = yaml.Unmarshal(raw, &data); err != nil {
		return nil, configError("failed to unmarshal object %T to data: %v", obj, err)
	}
	return data, nil
}

// DataFromYAML unmarshals raw YAML or JSON into configuration data.
func DataFromYAML(raw []byte) (Data, error) {
	data := make(Data)
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, configError("failed to unmarshal configuration: %v", err)
	}
	return data, nil
}

// DataFromFile unmarshals the content of the given file into configuration data.
func DataFromFile(path string) (Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("failed to read file %q: %v", path, err)
	}
	data, err := DataFromYAML(raw)
	if err != nil {
		return nil, configError("file %q: %v", path, err)
	}
	return data, nil
}

// copy does a shallow copy of the given data.
func (d Data) copy() Data {
	data := make(Data, len(d))
	for key, value := range d {
		data[key] = value
	}
	return data
}

// pick picks data for the given key, also collecting dotted 'key.sub' entries.
func (d Data) pick(key string, removePicked bool) (Data, error) {
	var data Data
	var err error

	if obj, ok := d[key]; ok {
		data, err = DataFromObject(obj)
		if err != nil {
			return nil, err
		}
		if removePicked {
			delete(d, key)
		}
	}

	for k, v := range d {
		split := strings.SplitN(k, ".", 2)
		if len(split) != 2 || split[0] != key {
			continue
		}
		if data == nil {
			data = make(Data)
		}
		if _, ok := data[split[1]]; ok {
			return nil, configError("dotted key %q conflicts with nested key %q", k, split[1])
		}
		data[split[1]] = v
		if removePicked {
			delete(d, k)
		}
	}

	return data, nil
}

// decode strictly remarshals data into the object pointed to by ptr.
func (d Data) decode(ptr interface{}) error {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(raw, ptr)
}

// String returns configuration data as a string.
func (d Data) String() string {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Sprintf("<config.data: failed to marshal: %v>", err)
	}
	return string(raw)
}
