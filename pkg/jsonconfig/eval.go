/*
Copyright 2011 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jsonconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReadFile decodes the JSON object in the file at configPath into an Obj.
// Unlike the original camlistore jsonconfig parser this no longer supports
// _env/_fileobj expansion or file includes: NetCache's core never reads a
// config file itself (spec.md §1 treats "configuration parsing" as an
// external collaborator) — this remains only so an embedding CLI can hand
// the core a parsed Obj without writing its own JSON decoder.
func ReadFile(configPath string) (Obj, error) {
	f, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %s: %v", configPath, err)
	}
	defer f.Close()
	return decode(f)
}

// ReadBytes decodes an already-read (and already-standardized, if it came
// from HuJSON) JSON document into an Obj.
func ReadBytes(data []byte) (Obj, error) {
	decoded := make(map[string]interface{})
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("error parsing JSON config: %v", err)
	}
	return Obj(decoded), nil
}

func decode(f *os.File) (Obj, error) {
	decoded := make(map[string]interface{})
	dj := json.NewDecoder(f)
	if err := dj.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("error parsing JSON object in config file %s: %v", f.Name(), err)
	}
	return Obj(decoded), nil
}
