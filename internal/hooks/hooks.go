// Package hooks runs user-configured external programs at the three
// gallery lifecycle points (added/started/completed), substituting a
// closed set of %-variables into each command and mapping JSON stdout keys
// back onto a gallery's ext1..4 fields. Execution follows the teacher's
// os/exec + context.WithTimeout idiom used elsewhere in the pack for
// external process supervision.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"imxup/internal/config"
	"imxup/internal/logging"
)

const hookTimeout = 300 * time.Second

const escapePlaceholder = "\x00PCT\x00"

// Context is the substitution dictionary available to every hook command.
type Context struct {
	Name         string // %N
	Tab          string // %T
	Path         string // %p
	ImageCount   int    // %C
	GalleryLink  string // %g
	ManifestPath string // %j  (JSON artifact path)
	BBCodePath   string // %b  (BBCode artifact path)
	ZipPath      string // %z  (created on demand if referenced and absent)
	SizeBytes    int64  // %s
	Template     string // %t
	Ext          [4]string
	Custom       [4]string
}

// ZipFactory creates a store-mode archive for a gallery when a hook
// command references %z and none exists yet, returning its path.
// The File-Host Worker Pool supplies the real implementation so the two
// packages share one archiving code path.
type ZipFactory func(ctx context.Context, galleryPath string) (zipPath string, cleanup func(), err error)

// Executor runs hooks for one lifecycle event. When parallel execution is
// disabled in config, serialMu serializes every invocation process-wide —
// callers fire hooks from background goroutines (the Upload Engine, the
// gallery_added subscriber), so the gate has to live here rather than at
// any single call site.
type Executor struct {
	cfg      *config.Config
	logger   *logging.Logger
	zip      ZipFactory
	serialMu sync.Mutex
}

// New returns an Executor bound to cfg's hook definitions.
func New(cfg *config.Config, logger *logging.Logger, zip ZipFactory) *Executor {
	return &Executor{cfg: cfg, logger: logger, zip: zip}
}

// Result is what one hook's stdout decoded to, mapped onto ext1..4.
type Result struct {
	Ext [4]string
	Ran bool
	Err error
}

// Run executes every enabled hook for event against hookCtx. It never
// returns an error that should fail the gallery — failures are logged and
// ignored, per spec. It returns one Result for the single hook definition
// configured for event, or the zero Result when that hook is not enabled.
func (e *Executor) Run(ctx context.Context, event config.HookEvent, hookCtx Context) Result {
	hc, ok := e.cfg.Hooks[event]
	if !ok || !hc.Enabled || strings.TrimSpace(hc.Command) == "" {
		return Result{}
	}

	if !e.cfg.ParallelHookExecution {
		e.serialMu.Lock()
		defer e.serialMu.Unlock()
	}

	if strings.Contains(hc.Command, "%z") && hookCtx.ZipPath == "" && e.zip != nil {
		zipPath, cleanup, err := e.zip(ctx, hookCtx.Path)
		if err != nil {
			e.logger.Warn("hook temp zip creation failed", "event", event, "err", err)
		} else {
			hookCtx.ZipPath = zipPath
			defer cleanup()
		}
	}

	command := substitute(hc.Command, hookCtx)

	runCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shellName(), shellFlag(), command)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if hc.ShowConsole {
		cmd.Stderr = &stdout
	}

	if err := cmd.Run(); err != nil {
		e.logger.Warn("hook execution failed", "event", event, "err", err)
		return Result{Ran: true, Err: err}
	}

	var parsed map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &parsed); err != nil {
		return Result{Ran: true} // best-effort: non-JSON stdout is not an error
	}

	var result Result
	result.Ran = true
	for i, key := range hc.KeyMapping {
		if key == "" {
			continue
		}
		if v, ok := parsed[key]; ok {
			result.Ext[i] = stringify(v)
		}
	}
	return result
}

// RunConcurrent runs several hook invocations (e.g. multiple events firing
// at once) bounded by their count when parallel execution is configured,
// otherwise serially.
func (e *Executor) RunConcurrent(ctx context.Context, events []config.HookEvent, hookCtx Context) map[config.HookEvent]Result {
	results := make(map[config.HookEvent]Result, len(events))

	if !e.cfg.ParallelHookExecution {
		for _, ev := range events {
			results[ev] = e.Run(ctx, ev, hookCtx)
		}
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ev := range events {
		ev := ev
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := e.Run(ctx, ev, hookCtx)
			mu.Lock()
			results[ev] = r
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// substitute performs the escape-then-longest-first substitution pass the
// spec requires: %% becomes a sentinel first so it can never be mistaken
// for the start of a variable name, then variables are replaced longest
// name first (so %e1 is matched before a hypothetical %e), and finally the
// sentinel is restored to a literal %.
func substitute(command string, c Context) string {
	escaped := strings.ReplaceAll(command, "%%", escapePlaceholder)

	vars := map[string]string{
		"%N":  c.Name,
		"%T":  c.Tab,
		"%p":  c.Path,
		"%C":  strconv.Itoa(c.ImageCount),
		"%g":  c.GalleryLink,
		"%j":  c.ManifestPath,
		"%b":  c.BBCodePath,
		"%z":  c.ZipPath,
		"%s":  strconv.FormatInt(c.SizeBytes, 10),
		"%t":  c.Template,
		"%e1": c.Ext[0],
		"%e2": c.Ext[1],
		"%e3": c.Ext[2],
		"%e4": c.Ext[3],
		"%c1": c.Custom[0],
		"%c2": c.Custom[1],
		"%c3": c.Custom[2],
		"%c4": c.Custom[3],
	}

	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	for _, name := range names {
		escaped = strings.ReplaceAll(escaped, name, vars[name])
	}

	return strings.ReplaceAll(escaped, escapePlaceholder, "%")
}

func shellName() string {
	return "/bin/sh"
}

func shellFlag() string {
	return "-c"
}
