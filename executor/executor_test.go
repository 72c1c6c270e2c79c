package executor

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"relink/config"
	"relink/fs/mock"
	"relink/target"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// mockCommandExecutor pretends to be the external toolchain: it writes the
// file named by the -o flag into the mock filesystem.
type mockCommandExecutor struct {
	fs        *mock.MockFileSystem
	log       *eventLog
	failCodes map[string]int                             // output path -> exit code
	hooks     map[string]func(ctx context.Context) error // output path -> custom behavior
}

func (m *mockCommandExecutor) Run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	m.log.add("cmd:" + strings.Join(argv, " "))
	for i, arg := range argv {
		if arg == "-o" && i+1 < len(argv) {
			out := argv[i+1]
			if hook, ok := m.hooks[out]; ok {
				return hook(ctx)
			}
			if code, ok := m.failCodes[out]; ok {
				return &ExitError{Code: code}
			}
			m.fs.WriteFile(out, []byte("artifact for "+out), 0644)
		}
	}
	return nil
}

type mockShellRunner struct {
	fs      *mock.MockFileSystem
	log     *eventLog
	outputs map[string][]string // step name -> files to create
}

func (m *mockShellRunner) Run(ctx context.Context, name, command string, stdout, stderr io.Writer) error {
	m.log.add("sh:" + name)
	for _, out := range m.outputs[name] {
		m.fs.WriteFile(out, []byte("generated by "+name), 0644)
	}
	return nil
}

func execConfig() *config.Config {
	return &config.Config{
		Toolchain: target.Toolchain{Compiler: "cc", Linker: "cc"},
		Binary:    "bin/app",
		ObjDir:    "build/obj",
		Sources:   []string{"src/**/*.c"},
		Headers:   []string{"src/**/*.h"},
		Targets:   map[string]*target.CommandTarget{},
	}
}

func newTestExecutor(fs *mock.MockFileSystem) (*BuildExecutor, *mockCommandExecutor, *mockShellRunner, *eventLog) {
	log := &eventLog{}
	cmd := &mockCommandExecutor{
		fs:        fs,
		log:       log,
		failCodes: map[string]int{},
		hooks:     map[string]func(ctx context.Context) error{},
	}
	sh := &mockShellRunner{fs: fs, log: log, outputs: map[string][]string{}}

	be := NewBuildExecutor(fs, zerolog.Nop())
	be.Commands = cmd
	be.Shell = sh
	be.Jobs = 4
	return be, cmd, sh, log
}

func writeSources(fs *mock.MockFileSystem) {
	fs.WriteFile("src/a.c", []byte("int a;"), 0644)
	fs.WriteFile("src/b.c", []byte("int b;"), 0644)
	fs.WriteFile("src/util.h", []byte("extern int a;"), 0644)
}

func mustPlan(t *testing.T, fs *mock.MockFileSystem, cfg *config.Config) *Plan {
	t.Helper()
	plan, err := BuildPlan(fs, cfg)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	return plan
}

func TestBuildRunsEveryStepOnce(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, log := newTestExecutor(fs)

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := log.count(); got != 3 {
		t.Fatalf("expected 3 commands (2 compiles + link), got %d: %v", got, log.list())
	}
	for _, path := range []string{"build/obj/src/a.o", "build/obj/src/b.o", "bin/app", "relink.lock"} {
		if _, err := fs.Stat(path); err != nil {
			t.Errorf("expected %s to exist after build", path)
		}
	}
}

func TestRebuildWithNoChangesRunsNothing(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, log := newTestExecutor(fs)

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	before := log.count()

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}

	if got := log.count(); got != before {
		t.Errorf("rebuild with no changes ran %d commands: %v", got-before, log.list()[before:])
	}
}

func TestTouchingOneSourceRecompilesOnlyItAndRelinks(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, log := newTestExecutor(fs)

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	before := log.count()

	fs.Touch("src/a.c")
	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("incremental Execute failed: %v", err)
	}

	fresh := log.list()[before:]
	if len(fresh) != 2 {
		t.Fatalf("expected exactly compile+link, got %d commands: %v", len(fresh), fresh)
	}
	joined := strings.Join(fresh, "\n")
	if !strings.Contains(joined, "src/a.c") {
		t.Errorf("src/a.c was not recompiled: %v", fresh)
	}
	if strings.Contains(joined, "src/b.c") {
		t.Errorf("src/b.c should not have been recompiled: %v", fresh)
	}
	if !strings.Contains(joined, "bin/app") {
		t.Errorf("binary was not relinked: %v", fresh)
	}
}

func TestCleanThenBuildRecompilesEverything(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, log := newTestExecutor(fs)

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if err := be.Clean(plan); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	for _, path := range []string{"build/obj/src/a.o", "build/obj/src/b.o", "bin/app", "relink.lock"} {
		if _, err := fs.Stat(path); err == nil {
			t.Errorf("expected %s to be removed by clean", path)
		}
	}
	if _, err := fs.Stat("src/a.c"); err != nil {
		t.Error("clean must not touch source files")
	}

	before := log.count()
	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute after clean failed: %v", err)
	}
	if got := log.count() - before; got != 3 {
		t.Errorf("expected full rebuild after clean, got %d commands", got)
	}
}

func TestCleanTwiceIsFine(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, _ := newTestExecutor(fs)

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := be.Clean(plan); err != nil {
		t.Fatalf("first Clean failed: %v", err)
	}
	if err := be.Clean(plan); err != nil {
		t.Fatalf("second Clean failed: %v", err)
	}
}

func TestFailingCompilePropagatesExitCodeAndSkipsLink(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, cmd, _, log := newTestExecutor(fs)
	cmd.failCodes["build/obj/src/a.o"] = 7

	err := be.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected build failure")
	}
	if got := ExitCode(err); got != 7 {
		t.Errorf("ExitCode = %d, want 7", got)
	}

	for _, event := range log.list() {
		if strings.Contains(event, "bin/app") {
			t.Errorf("link ran despite failed compile: %v", log.list())
		}
	}
	if status := be.Status.WaitForCompletion(LinkStepName); status != StatusSkipped {
		t.Errorf("link status = %s, want %s", status, StatusSkipped)
	}
}

func TestDryRunExecutesNothing(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, log := newTestExecutor(fs)
	be.DryRun = true

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := log.count(); got != 0 {
		t.Errorf("dry run executed %d commands: %v", got, log.list())
	}
	for _, path := range []string{"build/obj/src/a.o", "bin/app", "relink.lock"} {
		if _, err := fs.Stat(path); err == nil {
			t.Errorf("dry run created %s", path)
		}
	}
}

func TestForceRebuildsFreshSteps(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, log := newTestExecutor(fs)

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	before := log.count()

	be.Force = true
	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("forced Execute failed: %v", err)
	}
	if got := log.count() - before; got != 3 {
		t.Errorf("expected forced full rebuild, got %d commands", got)
	}
}

func TestHandEditedArtifactIsRebuilt(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, _, _, log := newTestExecutor(fs)

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	before := log.count()

	// Tamper with the object but keep its old modtime, so only the manifest
	// hash check can notice.
	info, err := fs.Stat("build/obj/src/a.o")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	fs.WriteFile("build/obj/src/a.o", []byte("tampered"), 0644)
	fs.Chtimes("build/obj/src/a.o", info.ModTime(), info.ModTime())

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	fresh := strings.Join(log.list()[before:], "\n")
	if !strings.Contains(fresh, "src/a.c") {
		t.Errorf("tampered artifact was not rebuilt: %q", fresh)
	}
}

func TestExitCodeSurvivesConcurrentCancellation(t *testing.T) {
	// A sibling command torn down by the failure's cancellation must not
	// mask the real exit code, whatever the interleaving.
	for i := 0; i < 5; i++ {
		fs := mock.NewMockFileSystem()
		writeSources(fs)
		plan := mustPlan(t, fs, execConfig())
		be, cmd, _, _ := newTestExecutor(fs)
		cmd.failCodes["build/obj/src/a.o"] = 7
		cmd.hooks["build/obj/src/b.o"] = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}

		err := be.Execute(context.Background(), plan)
		if err == nil {
			t.Fatalf("iteration %d: expected build failure", i)
		}
		if got := ExitCode(err); got != 7 {
			t.Errorf("iteration %d: ExitCode = %d, want 7", i, got)
		}
		if got := be.Status.WaitForCompletion("src/b.c"); got != StatusSkipped {
			t.Errorf("iteration %d: cancelled step status = %q, want %q", i, got, StatusSkipped)
		}
		if got := be.Status.FailedCount(); got != 1 {
			t.Errorf("iteration %d: FailedCount = %d, want 1", i, got)
		}
	}
}

func TestCancellationSkipsRunningStepsWithoutFailures(t *testing.T) {
	fs := mock.NewMockFileSystem()
	writeSources(fs)
	plan := mustPlan(t, fs, execConfig())
	be, cmd, _, _ := newTestExecutor(fs)

	started := make(chan struct{})
	var once sync.Once
	block := func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
	cmd.hooks["build/obj/src/a.o"] = block
	cmd.hooks["build/obj/src/b.o"] = block

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- be.Execute(ctx, plan)
	}()
	<-started
	cancel()

	err := <-done
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got := be.Status.FailedCount(); got != 0 {
		t.Errorf("FailedCount = %d, want 0", got)
	}
	for _, name := range []string{"src/a.c", "src/b.c", LinkStepName} {
		if got := be.Status.WaitForCompletion(name); got != StatusSkipped {
			t.Errorf("%s status = %q, want %q", name, got, StatusSkipped)
		}
	}
}

func TestAuxiliaryTargetRunsBeforeCompiles(t *testing.T) {
	fs := mock.NewMockFileSystem()
	fs.WriteFile("src/a.c", []byte("int a;"), 0644)
	fs.WriteFile("scripts/gen.sh", []byte("#!/bin/sh"), 0644)

	cfg := execConfig()
	cfg.Targets["gen"] = &target.CommandTarget{
		Name:         "gen",
		Cmd:          "scripts/gen.sh",
		Outputs:      []string{"assets/gen.h"},
		Dependencies: []string{"scripts/*.sh"},
	}

	plan := mustPlan(t, fs, cfg)
	be, _, sh, log := newTestExecutor(fs)
	sh.outputs["gen"] = []string{"assets/gen.h"}

	if err := be.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	events := log.list()
	genIdx := -1
	firstCmd := len(events)
	for i, event := range events {
		if event == "sh:gen" {
			genIdx = i
		} else if strings.HasPrefix(event, "cmd:") && i < firstCmd {
			firstCmd = i
		}
	}
	if genIdx == -1 {
		t.Fatalf("aux target never ran: %v", events)
	}
	if genIdx > firstCmd {
		t.Errorf("aux target ran after a compile step: %v", events)
	}
	if _, err := fs.Stat("assets/gen.h"); err != nil {
		t.Error("aux target output missing")
	}
}
