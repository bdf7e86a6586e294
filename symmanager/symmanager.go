// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symmanager coordinates acquisition: given a binary's identity, it
// asks the host (internal/host.FileAndPathHelper) for candidate paths,
// opens and parses each in turn via internal/binfmt dispatch into the
// format/* packages, and caches the single external-file symbol map a
// Mach-O OSO lookup needs.
package symmanager

import (
	"context"
	"sync"

	"github.com/natsym/natsym/format/breakpad"
	"github.com/natsym/natsym/format/dyldcache"
	"github.com/natsym/natsym/format/elfdwarf"
	"github.com/natsym/natsym/format/fat"
	"github.com/natsym/natsym/format/machodwarf"
	"github.com/natsym/natsym/format/pdb"
	"github.com/natsym/natsym/format/pe"
	"github.com/natsym/natsym/internal/binfmt"
	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/demangle"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/host"
	"github.com/natsym/natsym/internal/logging"
	"github.com/natsym/natsym/internal/symerr"
	"github.com/natsym/natsym/internal/symmap"
)

// BinaryImage is the result of LoadBinary: enough metadata to answer
// image-level queries without building a full symbol map.
type BinaryImage struct {
	DebugName string
	DebugID   debugid.ID
	Name      string
	CodeID    string
	Path      host.FileLocation
}

// Manager is the symbol manager (C6). The zero value is not usable; build
// one with New.
type Manager struct {
	helper host.FileAndPathHelper
	log    logging.Logger

	mu       sync.Mutex
	external *externalCacheEntry
}

type externalCacheEntry struct {
	fileRef string // FileName[+"("+ArchiveMember+")"], the cache key
	sm      *symmap.SymbolMap
}

// New builds a Manager that calls out through helper for all I/O. A nil log
// is replaced with a no-op Logger.
func New(helper host.FileAndPathHelper, log logging.Logger) *Manager {
	return &Manager{helper: helper, log: logging.OrNop(log)}
}

// LoadSymbolMap walks candidate paths in order, parses each, and returns
// the first whose parsed debug id matches. On exhaustion the last observed
// error is returned.
func (m *Manager) LoadSymbolMap(ctx context.Context, debugName string, id debugid.ID) (*symmap.SymbolMap, error) {
	candidates, err := m.helper.GetCandidatePathsForDebugFile(debugName, id)
	if err != nil {
		return nil, &symerr.HelperError{During: "get-candidate-paths-for-debug-file", Err: err}
	}
	if len(candidates) == 0 {
		return nil, &symerr.NoCandidatePath{}
	}

	var lastErr error
	for _, c := range candidates {
		sm, parsedID, err := m.loadAndParse(ctx, c, id)
		if err != nil {
			lastErr = err
			continue
		}
		if !id.IsZero() && parsedID != id {
			lastErr = &symerr.UnmatchedDebugID{Found: parsedID, Requested: id}
			m.log.Warnf("candidate for %s matched wrong debug id: found %s, wanted %s", debugName, parsedID, id)
			continue
		}
		m.log.Debugf("loaded symbol map for %s (%s)", debugName, parsedID)
		return sm, nil
	}
	if lastErr == nil {
		lastErr = &symerr.NoCandidatePath{}
	}
	return nil, lastErr
}

// LoadBinary walks the host's candidate paths for a binary in order and
// returns a BinaryImage for the first single-file candidate that the host
// opens and whose leading bytes binfmt.Identify can read. Dyld-cache
// candidates are skipped, as is a fat archive when id is zero. Candidates
// are not parsed: neither their format nor their debug id or code id is
// checked against the request.
func (m *Manager) LoadBinary(ctx context.Context, debugName string, id debugid.ID, name, codeID string) (*BinaryImage, error) {
	haveDebugPair := debugName != "" && !id.IsZero()
	haveCodePair := name != "" && codeID != ""
	if !haveDebugPair && !haveCodePair {
		return nil, &symerr.NotEnoughInformationToIdentifyBinary{}
	}

	candidates, err := m.helper.GetCandidatePathsForBinary(debugName, id, name, codeID)
	if err != nil {
		return nil, &symerr.HelperError{During: "get-candidate-paths-for-binary", Err: err}
	}
	if len(candidates) == 0 {
		return nil, &symerr.NoCandidatePathForBinary{BinaryName: name, DebugID: id.String()}
	}

	var lastErr error
	for _, c := range candidates {
		if c.SingleFile == nil {
			lastErr = &symerr.NoDisambiguatorForFatArchive{}
			continue
		}
		fc, err := m.helper.OpenFile(ctx, *c.SingleFile)
		if err != nil {
			lastErr = &symerr.HelperError{During: "open-file", Err: err}
			continue
		}
		format, err := binfmt.Identify(fc)
		if err != nil {
			lastErr = &symerr.ObjectParseError{FileKind: "binary-image", Err: err}
			continue
		}
		if (format == binfmt.MachOFat32 || format == binfmt.MachOFat64) && id.IsZero() {
			lastErr = &symerr.NoDisambiguatorForFatArchive{}
			continue
		}
		return &BinaryImage{DebugName: debugName, DebugID: id, Name: name, CodeID: codeID, Path: *c.SingleFile}, nil
	}
	if lastErr == nil {
		lastErr = &symerr.NoCandidatePathForBinary{BinaryName: name, DebugID: id.String()}
	}
	return nil, lastErr
}

// LookupExternal resolves frames out of the external object file an OSO
// stab pointed at, through a single-slot mutex-guarded cache of the last
// loaded external file. Concurrent misses race benignly; the last writer's
// entry wins.
func (m *Manager) LookupExternal(ctx context.Context, ext symmap.ExternalFileAddress) (symmap.FramesLookupResult, error) {
	key := ext.FileName
	if ext.ArchiveMember != "" {
		key = ext.FileName + "(" + ext.ArchiveMember + ")"
	}

	m.mu.Lock()
	cached := m.external
	m.mu.Unlock()

	var sm *symmap.SymbolMap
	if cached != nil && cached.fileRef == key {
		sm = cached.sm
	} else {
		loaded, err := m.loadExternalFile(ctx, ext)
		if err != nil {
			return symmap.FramesLookupResult{}, err
		}
		entry := &externalCacheEntry{fileRef: key, sm: loaded}
		m.mu.Lock()
		m.external = entry
		m.mu.Unlock()
		sm = loaded
	}

	// The external file has its own address space; find the named symbol in
	// it and apply the offset from there.
	symAddr, ok := findSymbolByName(sm, string(ext.SymbolNameBytes))
	if !ok {
		return symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}, nil
	}
	addr, ok := sm.Lookup(symAddr + ext.OffsetFromSymbol)
	if !ok {
		return symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}, nil
	}
	return addr.Frames, nil
}

// findSymbolByName scans sm for a symbol whose name matches name. Both
// sides are demangled before comparing, since parsers intern demangled
// names while OSO stabs record the raw mangled form.
func findSymbolByName(sm *symmap.SymbolMap, name string) (uint32, bool) {
	want := demangle.Name(name)
	var addr uint32
	found := false
	sm.IterSymbols(func(s symmap.Symbol) {
		if found {
			return
		}
		if sm.ResolveString(s.Name) == want {
			addr, found = s.Address, true
		}
	})
	return addr, found
}

// localBaseDir is the directory relative source paths inside the file's
// debug info resolve against; custom (non-path) locations have none.
func localBaseDir(loc host.FileLocation) string {
	bp := loc.ToBasePath()
	if !bp.CanReferToLocal {
		return ""
	}
	return bp.Dir
}

func (m *Manager) loadExternalFile(ctx context.Context, ext symmap.ExternalFileAddress) (*symmap.SymbolMap, error) {
	loc := host.FileLocation{Path: ext.FileName}
	fc, err := m.helper.OpenFile(ctx, loc)
	if err != nil {
		return nil, &symerr.HelperError{During: "open-file", Err: err}
	}
	res, err := elfdwarf.Parse(fc, localBaseDir(loc))
	if err != nil {
		res2, err2 := machoParseLoose(fc)
		if err2 != nil {
			return nil, err
		}
		return res2, nil
	}
	return res.SymbolMap, nil
}

func machoParseLoose(fc filedata.FileContents) (*symmap.SymbolMap, error) {
	res, err := machodwarf.Parse(fc)
	if err != nil {
		return nil, err
	}
	return res.SymbolMap, nil
}

// loadAndParse opens one candidate and dispatches to the right format/*
// parser by sniffing its magic bytes, falling back from a PE's companion
// PDB (when the PE records one and the host can resolve it) to the PE's own
// COFF/export symbols.
func (m *Manager) loadAndParse(ctx context.Context, c host.CandidatePath, requested debugid.ID) (*symmap.SymbolMap, debugid.ID, error) {
	if c.InDyldCache {
		return m.loadDyldCacheMember(ctx, c)
	}
	if c.SingleFile == nil {
		return nil, debugid.ID{}, &symerr.InvalidInputError{Reason: "candidate path names neither a file nor a dyld cache member"}
	}

	fc, err := m.helper.OpenFile(ctx, *c.SingleFile)
	if err != nil {
		return nil, debugid.ID{}, &symerr.HelperError{During: "open-file", Err: err}
	}

	format, err := binfmt.Identify(fc)
	if err != nil {
		return nil, debugid.ID{}, &symerr.ObjectParseError{FileKind: "candidate", Err: err}
	}

	switch format {
	case binfmt.PE32, binfmt.PE32Plus:
		res, err := pe.Parse(fc)
		if err != nil {
			return nil, debugid.ID{}, err
		}
		if res.PDBFileName != "" {
			if pdbCandidates, err := m.helper.GetCandidatePathsForDebugFile(res.PDBFileName, res.DebugID); err == nil {
				for _, pc := range pdbCandidates {
					if pc.SingleFile == nil {
						continue
					}
					pdbFC, err := m.helper.OpenFile(ctx, *pc.SingleFile)
					if err != nil {
						continue
					}
					pdbRes, err := pdb.Parse(pdbFC)
					if err != nil || pdbRes.DebugID != res.DebugID {
						continue
					}
					return pdbRes.SymbolMap, res.DebugID, nil
				}
			}
		}
		return res.SymbolMap, res.DebugID, nil
	case binfmt.PDB:
		res, err := pdb.Parse(fc)
		if err != nil {
			return nil, debugid.ID{}, err
		}
		return res.SymbolMap, res.DebugID, nil
	case binfmt.ELF32, binfmt.ELF64:
		res, err := elfdwarf.Parse(fc, localBaseDir(*c.SingleFile))
		if err != nil {
			return nil, debugid.ID{}, err
		}
		return res.SymbolMap, res.DebugID, nil
	case binfmt.MachO32, binfmt.MachO64:
		res, err := machodwarf.Parse(fc)
		if err != nil {
			return nil, debugid.ID{}, err
		}
		return res.SymbolMap, res.DebugID, nil
	case binfmt.MachOFat32, binfmt.MachOFat64:
		if requested.IsZero() {
			return nil, debugid.ID{}, &symerr.NoDisambiguatorForFatArchive{}
		}
		res, err := fat.Parse(fc, requested)
		if err != nil {
			return nil, debugid.ID{}, err
		}
		return res.SymbolMap, res.DebugID, nil
	case binfmt.BreakpadText:
		res, err := breakpad.Parse(fc)
		if err != nil {
			return nil, debugid.ID{}, err
		}
		return res.SymbolMap, res.DebugID, nil
	default:
		return nil, debugid.ID{}, &symerr.InvalidInputError{Reason: "unrecognized or unsupported format: " + format.String()}
	}
}

func (m *Manager) loadDyldCacheMember(ctx context.Context, c host.CandidatePath) (*symmap.SymbolMap, debugid.ID, error) {
	fc, err := m.helper.OpenFile(ctx, c.DyldCachePath)
	if err != nil {
		return nil, debugid.ID{}, &symerr.HelperError{During: "open-file", Err: err}
	}
	res, err := dyldcache.Parse(fc, c.DylibInsideCache)
	if err != nil {
		return nil, debugid.ID{}, err
	}
	return res.SymbolMap, res.DebugID, nil
}
