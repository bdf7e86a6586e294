// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import "encoding/json"

// Frame is one (module_index, relative_address) pair in a request stack.
type Frame struct {
	ModuleIndex     int
	RelativeAddress uint32
}

// UnmarshalJSON accepts the wire form [module_index, rel_address_u32].
func (f *Frame) UnmarshalJSON(data []byte) error {
	var pair [2]uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	f.ModuleIndex = int(pair[0])
	f.RelativeAddress = uint32(pair[1])
	return nil
}

// MarshalJSON round-trips Frame back to its [module_index, rel_address] form
// (used by tests constructing request fixtures).
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{uint64(f.ModuleIndex), uint64(f.RelativeAddress)})
}

// LibraryIdentity is one memoryMap entry: a debug name plus breakpad id.
type LibraryIdentity struct {
	DebugName string
	DebugID   string
}

func (l *LibraryIdentity) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.DebugName, l.DebugID = pair[0], pair[1]
	return nil
}

func (l LibraryIdentity) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.DebugName, l.DebugID})
}

// Job is one request job: its memory map (ordered library identities) and
// the stacks to symbolicate against it.
type Job struct {
	MemoryMap []LibraryIdentity `json:"memoryMap"`
	Stacks    [][]Frame         `json:"stacks"`
}

// Request is the top-level inbound request: a list of jobs, or the
// single-job shorthand (memoryMap/stacks at top level) normalized into one
// by UnmarshalJSON.
type Request struct {
	Jobs []Job `json:"-"`
}

// shorthandOrWrapped mirrors the two JSON shapes Request.UnmarshalJSON
// accepts: the canonical {"jobs": [...]}  or the bare single-job shorthand.
type shorthandOrWrapped struct {
	Jobs      []Job             `json:"jobs"`
	MemoryMap []LibraryIdentity `json:"memoryMap"`
	Stacks    [][]Frame         `json:"stacks"`
}

// UnmarshalJSON normalizes the single-job top-level shorthand
// ("memoryMap"/"stacks" without a "jobs" wrapper) into a one-job Request.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw shorthandOrWrapped
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Jobs != nil {
		r.Jobs = raw.Jobs
		return nil
	}
	r.Jobs = []Job{{MemoryMap: raw.MemoryMap, Stacks: raw.Stacks}}
	return nil
}

// MarshalJSON always emits the canonical {"jobs": [...]} form.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Jobs []Job `json:"jobs"`
	}{Jobs: r.Jobs})
}
