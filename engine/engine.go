// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine is the batched request/response engine: it takes a batch
// of symbolication jobs, loads every referenced library's symbol map
// concurrently via golang.org/x/sync/errgroup, looks up every requested
// address, and serializes the result.
package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/symerr"
	"github.com/natsym/natsym/internal/symmap"
	"github.com/natsym/natsym/symmanager"
)

// Engine drives symmanager.Manager against a batch request.
type Engine struct {
	mgr *symmanager.Manager
}

// New builds an Engine on top of mgr.
func New(mgr *symmanager.Manager) *Engine {
	return &Engine{mgr: mgr}
}

// Process answers req. Library-level failures are isolated into
// found_modules/module_errors rather than returned, and frames naming an
// out-of-range module index are answered without symbol info; the returned
// error is always nil. Malformed JSON is rejected earlier, when the caller
// unmarshals the Request.
func (e *Engine) Process(ctx context.Context, req Request) (*Response, error) {
	results := make([]JobResult, len(req.Jobs))
	var g errgroup.Group
	for i, job := range req.Jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = e.processJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait() // jobs never fail as a whole; see processJob's own error isolation
	return &Response{Results: results}, nil
}

type loadOutcome struct {
	sm  *symmap.SymbolMap
	err error
}

func moduleKey(identity LibraryIdentity) string {
	return identity.DebugName + "/" + identity.DebugID
}

func (e *Engine) processJob(ctx context.Context, job Job) JobResult {
	referenced := make(map[int]bool)
	for _, stack := range job.Stacks {
		for _, f := range stack {
			if f.ModuleIndex >= 0 && f.ModuleIndex < len(job.MemoryMap) {
				referenced[f.ModuleIndex] = true
			}
		}
	}

	outcomes := make(map[int]loadOutcome, len(referenced))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for idx := range referenced {
		idx := idx
		g.Go(func() error {
			identity := job.MemoryMap[idx]
			id, err := debugid.Parse(identity.DebugID)
			var outcome loadOutcome
			if err != nil {
				outcome = loadOutcome{err: &symerr.InvalidInputError{Reason: "malformed debug id: " + identity.DebugID}}
			} else {
				sm, loadErr := e.mgr.LoadSymbolMap(gctx, identity.DebugName, id)
				outcome = loadOutcome{sm: sm, err: loadErr}
			}
			mu.Lock()
			outcomes[idx] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-library errors are isolated below; Process never fails as a whole

	foundModules := make(map[string]bool, len(referenced))
	moduleErrors := make(map[string][]ErrorEntry)
	for idx := range referenced {
		identity := job.MemoryMap[idx]
		key := moduleKey(identity)
		outcome := outcomes[idx]
		foundModules[key] = outcome.err == nil
		if outcome.err != nil {
			moduleErrors[key] = append(moduleErrors[key], errorEntryFor(outcome.err))
		}
	}
	if len(moduleErrors) == 0 {
		moduleErrors = nil
	}

	stacks := make([][]StackFrame, len(job.Stacks))
	for si, stack := range job.Stacks {
		frames := make([]StackFrame, len(stack))
		for fi, f := range stack {
			frames[fi] = e.resolveFrame(ctx, job, fi, f, outcomes)
		}
		stacks[si] = frames
	}

	return JobResult{Stacks: stacks, FoundModules: foundModules, ModuleErrors: moduleErrors}
}

func (e *Engine) resolveFrame(ctx context.Context, job Job, frameIdx int, f Frame, outcomes map[int]loadOutcome) StackFrame {
	sf := StackFrame{Frame: frameIdx, ModuleOffset: hexU32(f.RelativeAddress)}
	if f.ModuleIndex < 0 || f.ModuleIndex >= len(job.MemoryMap) {
		return sf
	}
	identity := job.MemoryMap[f.ModuleIndex]
	sf.Module = identity.DebugName

	outcome, ok := outcomes[f.ModuleIndex]
	if !ok || outcome.err != nil || outcome.sm == nil {
		return sf
	}

	info, ok := outcome.sm.Lookup(f.RelativeAddress)
	if !ok {
		return sf
	}

	name := outcome.sm.ResolveString(info.Symbol.Name)
	if name != "" {
		sf.Function = &name
	}
	offset := hexU32(f.RelativeAddress - info.Symbol.Address)
	sf.FunctionOffset = &offset
	if info.Symbol.Size != nil {
		size := hexU32(*info.Symbol.Size)
		sf.FunctionSize = &size
	}

	frames := info.Frames
	if frames.Kind == symmap.FramesExternal && frames.External != nil {
		resolved, err := e.mgr.LookupExternal(ctx, *frames.External)
		if err == nil {
			frames = resolved
		}
	}
	if frames.Kind == symmap.FramesAvailable && len(frames.Frames) > 0 {
		applyFrameChain(&sf, outcome.sm, frames.Frames)
	}
	return sf
}

// applyFrameChain fills sf's outer function/file/line from the last
// (physical) element of chain and sf.Inlines from the innermost-first
// prefix.
func applyFrameChain(sf *StackFrame, sm *symmap.SymbolMap, chain []symmap.FrameDebugInfo) {
	outer := chain[len(chain)-1]
	if outer.FunctionName != nil {
		name := sm.ResolveString(*outer.FunctionName)
		sf.Function = &name
	}
	if outer.FilePath != nil {
		path := sm.ResolveString(*outer.FilePath)
		sf.File = &path
	}
	if outer.LineNumber != nil {
		line := *outer.LineNumber
		sf.Line = &line
	}
	if len(chain) <= 1 {
		return
	}
	inlines := make([]InlineFrame, 0, len(chain)-1)
	for _, fr := range chain[:len(chain)-1] {
		var ifr InlineFrame
		if fr.FunctionName != nil {
			name := sm.ResolveString(*fr.FunctionName)
			ifr.Function = &name
		}
		if fr.FilePath != nil {
			path := sm.ResolveString(*fr.FilePath)
			ifr.File = &path
		}
		if fr.LineNumber != nil {
			line := *fr.LineNumber
			ifr.Line = &line
		}
		inlines = append(inlines, ifr)
	}
	sf.Inlines = inlines
}

func errorEntryFor(err error) ErrorEntry {
	if kind, ok := err.(symerr.Kind); ok {
		return ErrorEntry{Name: kind.Name(), Message: kind.Error()}
	}
	return ErrorEntry{Name: "unknown-error", Message: fmt.Sprintf("%v", err)}
}
