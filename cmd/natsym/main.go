// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command natsym reads a symbolication request as JSON, resolves every
// referenced library through a FileAndPathHelper driven by
// NATSYM_SYMBOL_PATH and NATSYM_SYMBOL_SERVER, and writes the response as
// JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/natsym/natsym/engine"
	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/host"
	"github.com/natsym/natsym/internal/logging"
	"github.com/natsym/natsym/symmanager"
)

// localHelper is the default host.FileAndPathHelper: it looks for
// debug/binary files by name under a list of local search roots
// (NATSYM_SYMBOL_PATH, os.PathListSeparator-separated) and, failing that,
// under a symbol-server URL prefix (NATSYM_SYMBOL_SERVER).
type localHelper struct {
	searchRoots  []string
	symbolServer string
	client       *http.Client
	stats        bool

	mu         sync.Mutex // guards statsFiles; files open concurrently across libraries
	statsFiles []*filedata.StatsFileContents
}

func newLocalHelper(stats bool) *localHelper {
	h := &localHelper{client: &http.Client{Timeout: 30 * time.Second}, stats: stats}
	if p := os.Getenv("NATSYM_SYMBOL_PATH"); p != "" {
		h.searchRoots = strings.Split(p, string(os.PathListSeparator))
	}
	h.symbolServer = strings.TrimRight(os.Getenv("NATSYM_SYMBOL_SERVER"), "/")
	return h
}

func (h *localHelper) candidatesFor(debugName string, id debugid.ID) []host.CandidatePath {
	var out []host.CandidatePath
	for _, root := range h.searchRoots {
		if root == "" {
			continue
		}
		// debugName/debugID/debugName is the breakpad symbol-store layout
		// (e.g. "foo.pdb/GUIDAGE/foo.pdb" or "libfoo.so/BUILDID/libfoo.so.dbg").
		if !id.IsZero() {
			out = append(out, host.CandidatePath{SingleFile: &host.FileLocation{
				Path: filepath.Join(root, debugName, id.String(), debugName),
			}})
		}
		out = append(out, host.CandidatePath{SingleFile: &host.FileLocation{Path: filepath.Join(root, debugName)}})
	}
	if h.symbolServer != "" && !id.IsZero() {
		out = append(out, host.CandidatePath{SingleFile: &host.FileLocation{
			Custom: h.symbolServer + "/" + debugName + "/" + id.String() + "/" + debugName,
		}})
	}
	return out
}

func (h *localHelper) GetCandidatePathsForDebugFile(debugName string, debugID debugid.ID) ([]host.CandidatePath, error) {
	return h.candidatesFor(debugName, debugID), nil
}

func (h *localHelper) GetCandidatePathsForBinary(debugName string, debugID debugid.ID, name, codeID string) ([]host.CandidatePath, error) {
	if debugName != "" {
		return h.candidatesFor(debugName, debugID), nil
	}
	return h.candidatesFor(name, debugid.ID{}), nil
}

func (h *localHelper) OpenFile(ctx context.Context, loc host.FileLocation) (filedata.FileContents, error) {
	var fc filedata.FileContents
	var err error
	if loc.IsPath() {
		fc, err = filedata.OpenLocal(loc.Path)
	} else {
		fc, err = h.fetch(ctx, loc.Custom)
	}
	if err != nil {
		return nil, err
	}
	if h.stats {
		sfc := filedata.NewStatsFileContents(fc)
		h.mu.Lock()
		h.statsFiles = append(h.statsFiles, sfc)
		h.mu.Unlock()
		return sfc, nil
	}
	return fc, nil
}

func (h *localHelper) fetch(ctx context.Context, url string) (filedata.FileContents, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("natsym: symbol server returned %s for %s", resp.Status, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &filedata.InMemory{Bytes: body}, nil
}

func (h *localHelper) printStats(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var touched uint64
	for _, sfc := range h.statsFiles {
		touched += uint64(len(sfc.ChunkHitCounts()))
	}
	fmt.Fprintf(w, "natsym: --stats: %d file(s) opened, %d distinct 32KiB chunks touched\n", len(h.statsFiles), touched)
}

func run(cmd *cobra.Command, args []string, stats bool, verbose bool) error {
	var data []byte
	var err error
	if len(args) == 1 && args[0] != "-" {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("natsym: reading request: %w", err)
	}

	var req engine.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("natsym: parsing request: %w", err)
	}

	var log logging.Logger
	if verbose {
		log = logging.NewStdHelper(cmd.ErrOrStderr())
	}

	helper := newLocalHelper(stats)
	mgr := symmanager.New(helper, log)
	eng := engine.New(mgr)

	resp, err := eng.Process(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("natsym: processing request: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("natsym: encoding response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if stats {
		helper.printStats(cmd.ErrOrStderr())
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var stats bool
	var verbose bool

	cmd := &cobra.Command{
		Use:   "natsym [request.json]",
		Short: "Symbolicate native stack frames from a batch JSON request",
		Long: "natsym reads a symbolication request from a file argument\n" +
			"or stdin, resolves every referenced library via NATSYM_SYMBOL_PATH and\n" +
			"NATSYM_SYMBOL_SERVER, and writes the resolved response JSON to stdout.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, stats, verbose)
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "print to stderr how many files were opened and how many distinct 32KiB chunks were read")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log manager activity (candidate misses, loads) to stderr")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the natsym version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "natsym version 0.1.0")
		},
	}
	cmd.AddCommand(versionCmd)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
