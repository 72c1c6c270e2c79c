package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"relink/fs"
	"relink/target"
)

// BuildExecutor runs a Plan: it decides which steps are stale, runs exactly
// those in dependency order with bounded parallelism, and records produced
// artifacts in the manifest.
type BuildExecutor struct {
	FS       fs.FileSystem
	Commands CommandExecutor
	Shell    ShellRunner
	Status   StatusManager
	Manifest ManifestManager
	Log      zerolog.Logger

	Jobs   int
	Force  bool
	DryRun bool

	// OnOutput receives each line of command output. When nil, lines go to
	// the logger.
	OnOutput func(step, line string)

	ranMu sync.Mutex
	ran   map[string]bool

	failMu   sync.Mutex
	failures []failure
}

type failure struct {
	name string
	err  error
}

func NewBuildExecutor(fsys fs.FileSystem, logger zerolog.Logger) *BuildExecutor {
	return &BuildExecutor{
		FS:       fsys,
		Commands: RealCommandExecutor{},
		Shell:    NewShellRunner(),
		Status:   NewStatusManager(),
		Manifest: NewManifestManager(fsys, DefaultManifestFile),
		Log:      logger,
		Jobs:     runtime.NumCPU(),
	}
}

// Execute runs every stale step of the plan. On failure the returned error
// carries the exit code of the earliest-scheduled failing process.
func (be *BuildExecutor) Execute(ctx context.Context, plan *Plan) error {
	if err := be.Manifest.Load(); err != nil {
		return err
	}

	dag := NewDAGManager()
	for name, step := range plan.Steps {
		dag.AddNode(name, step.StepDeps)
	}
	order, err := dag.TopologicalSort()
	if err != nil {
		return errors.Wrap(err, "failed to perform topological sort")
	}

	be.ranMu.Lock()
	be.ran = make(map[string]bool)
	be.ranMu.Unlock()
	be.failMu.Lock()
	be.failures = nil
	be.failMu.Unlock()

	for _, name := range order {
		be.Status.SetStatus(name, StatusQueued)
	}

	jobs := be.Jobs
	if jobs < 1 {
		jobs = 1
	}
	slots := make(chan struct{}, jobs)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range order {
		name := name
		g.Go(func() error {
			return be.runStep(gctx, plan, slots, name)
		})
	}
	err = g.Wait()

	if !be.DryRun {
		if saveErr := be.Manifest.Save(); saveErr != nil {
			be.Log.Warn().Err(saveErr).Msg("failed to save build manifest")
		}
	}

	if first, ok := be.firstFailure(order); ok {
		return first.err
	}
	if err != nil {
		return err
	}
	return errors.WithStack(ctx.Err())
}

func (be *BuildExecutor) runStep(ctx context.Context, plan *Plan, slots chan struct{}, name string) error {
	step := plan.Steps[name]

	for _, dep := range step.StepDeps {
		switch be.Status.WaitForCompletion(dep) {
		case StatusFailed, StatusSkipped:
			be.Status.SetStatus(name, StatusSkipped)
			be.Log.Warn().Str("step", name).Msgf("skipped because dependency %s did not complete", dep)
			return nil
		}
	}

	stale := be.Force || be.anyDepRan(step)
	if !stale {
		var err error
		stale, err = be.stepIsStale(step)
		if err != nil {
			be.fail(name, err)
			return err
		}
	}

	if !stale {
		be.Status.SetStatus(name, StatusFresh)
		be.Log.Debug().Str("step", name).Msg("up to date")
		return nil
	}

	if be.DryRun {
		be.Log.Info().Str("step", name).Msg("would run")
		be.markRan(name)
		be.Status.SetStatus(name, StatusCompleted)
		return nil
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		be.Status.SetStatus(name, StatusSkipped)
		return nil
	}
	defer func() { <-slots }()

	be.Status.SetStatus(name, StatusRunning)
	start := time.Now()
	be.Log.Info().Str("step", name).Msg("running")

	for _, out := range step.Outputs {
		if dir := filepath.Dir(out); dir != "." {
			if err := be.FS.MkdirAll(dir, 0755); err != nil {
				err = errors.Wrapf(err, "failed to create output directory for %s", out)
				be.fail(name, err)
				return err
			}
		}
	}

	stdout := &lineWriter{name: name, sink: be.output}
	stderr := &lineWriter{name: name, sink: be.output}

	var runErr error
	if step.Kind == target.StepCommand {
		runErr = be.Shell.Run(ctx, name, step.Cmd, stdout, stderr)
	} else {
		runErr = be.Commands.Run(ctx, step.Argv, stdout, stderr)
	}
	stdout.Flush()
	stderr.Flush()

	if runErr != nil {
		// A command torn down because the build is already being cancelled
		// has no exit code of its own; only the step that caused the
		// cancellation may decide the build's exit code.
		var exitErr *ExitError
		if ctx.Err() != nil && !errors.As(runErr, &exitErr) {
			be.Status.SetStatus(name, StatusSkipped)
			return nil
		}
		err := errors.Wrapf(runErr, "step %s failed", name)
		be.fail(name, err)
		return err
	}

	for _, out := range step.Outputs {
		hash, err := HashFile(be.FS, out)
		if err != nil {
			be.Log.Warn().Str("step", name).Msgf("declared output %s was not produced", out)
			continue
		}
		be.Manifest.Record(out, hash)
	}

	be.markRan(name)
	be.Status.SetStatus(name, StatusCompleted)
	be.Log.Info().Str("step", name).Dur("took", time.Since(start)).Msg("completed")
	return nil
}

// stepIsStale applies the artifact invariant, then cross-checks the manifest:
// an output whose content hash no longer matches the recorded one was edited
// behind the build's back and must be regenerated.
func (be *BuildExecutor) stepIsStale(step *target.Step) (bool, error) {
	stale, err := StaleByTimestamps(be.FS, step)
	if err != nil || stale {
		return stale, err
	}

	for _, out := range step.Outputs {
		want, ok := be.Manifest.Hash(out)
		if !ok {
			continue
		}
		got, err := HashFile(be.FS, out)
		if err != nil {
			return true, nil
		}
		if got != want {
			be.Log.Debug().Str("step", step.Name).Msgf("output %s changed on disk; rebuilding", out)
			return true, nil
		}
	}
	return false, nil
}

// Clean removes every artifact recorded in the manifest plus whatever the
// plan could produce, then the manifest itself. Files that are already gone
// are not an error; anything else is surfaced as-is.
func (be *BuildExecutor) Clean(plan *Plan) error {
	if err := be.Manifest.Load(); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	var paths []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	for _, p := range be.Manifest.Paths() {
		add(p)
	}
	for _, p := range plan.Outputs() {
		add(p)
	}
	add(plan.Binary)
	add(be.Manifest.File())

	removed := 0
	for _, path := range paths {
		if be.DryRun {
			be.Log.Info().Str("path", path).Msg("would remove")
			continue
		}
		if err := be.FS.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "failed to remove %s", path)
		}
		be.Log.Debug().Str("path", path).Msg("removed")
		removed++
	}

	be.Log.Info().Int("removed", removed).Msg("clean finished")
	return nil
}

func (be *BuildExecutor) markRan(name string) {
	be.ranMu.Lock()
	defer be.ranMu.Unlock()
	be.ran[name] = true
}

func (be *BuildExecutor) anyDepRan(step *target.Step) bool {
	be.ranMu.Lock()
	defer be.ranMu.Unlock()
	for _, dep := range step.StepDeps {
		if be.ran[dep] {
			return true
		}
	}
	return false
}

func (be *BuildExecutor) fail(name string, err error) {
	be.Status.MarkAsFailed(name)
	be.Log.Error().Err(err).Str("step", name).Msg("failed")
	be.failMu.Lock()
	be.failures = append(be.failures, failure{name: name, err: err})
	be.failMu.Unlock()
}

// firstFailure picks the failure whose step comes first in schedule order;
// its exit code becomes the driver's exit code.
func (be *BuildExecutor) firstFailure(order []string) (failure, bool) {
	be.failMu.Lock()
	defer be.failMu.Unlock()
	if len(be.failures) == 0 {
		return failure{}, false
	}
	slices.SortFunc(be.failures, func(a, b failure) int {
		return slices.Index(order, a.name) - slices.Index(order, b.name)
	})
	return be.failures[0], true
}

func (be *BuildExecutor) output(step, line string) {
	if be.OnOutput != nil {
		be.OnOutput(step, line)
		return
	}
	be.Log.Info().Str("step", step).Msg(line)
}

// lineWriter forwards writes line by line to the sink.
type lineWriter struct {
	name string
	sink func(step, line string)
	mu   sync.Mutex
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.sink(w.name, string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.sink(w.name, string(w.buf))
		w.buf = nil
	}
}
