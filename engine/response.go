// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/json"
	"fmt"
)

// hexU32 serializes as a "0x"-prefixed lower-case hex string rather than a
// JSON number; module_offset, function_offset and function_size all use
// this form on the wire.
type hexU32 uint32

func (h hexU32) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint32(h)))
}

// InlineFrame is one entry of a StackFrame's inlines[] array: an inlined
// call site, innermost-first.
type InlineFrame struct {
	Function *string `json:"function,omitempty"`
	File     *string `json:"file,omitempty"`
	Line     *uint32 `json:"line,omitempty"`
}

// StackFrame is one resolved frame in a response stack.
type StackFrame struct {
	Frame          int            `json:"frame"`
	ModuleOffset   hexU32         `json:"module_offset"`
	Module         string         `json:"module"`
	Function       *string        `json:"function,omitempty"`
	FunctionOffset *hexU32        `json:"function_offset,omitempty"`
	FunctionSize   *hexU32        `json:"function_size,omitempty"`
	File           *string        `json:"file,omitempty"`
	Line           *uint32        `json:"line,omitempty"`
	Inlines        []InlineFrame  `json:"inlines,omitempty"`
}

// ErrorEntry is one module_errors list item: a stable kind name plus a
// human-readable message.
type ErrorEntry struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// JobResult is one entry of Response.Results, one per request Job.
type JobResult struct {
	Stacks        [][]StackFrame          `json:"stacks"`
	FoundModules  map[string]bool         `json:"found_modules"`
	ModuleErrors  map[string][]ErrorEntry `json:"module_errors,omitempty"`
}

// Response is the top-level outbound response.
type Response struct {
	Results []JobResult `json:"results"`
}
