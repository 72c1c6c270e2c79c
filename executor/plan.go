package executor

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"relink/config"
	"relink/fs"
	"relink/target"
)

// LinkStepName is the reserved name of the final link step.
const LinkStepName = "link"

// Plan is the dependency graph for one build: every compile step, the link
// step and the auxiliary command targets, keyed by step name. Order is a
// deterministic dependency-respecting construction order.
type Plan struct {
	Steps  map[string]*target.Step
	Order  []string
	Binary string
}

// BuildPlan discovers source units from the configured glob patterns and maps
// them to the step graph: one compile step per source, one link step over all
// objects, plus one step per auxiliary target. Auxiliary targets run before
// any compilation since they may generate sources.
func BuildPlan(fsys fs.FileSystem, cfg *config.Config) (*Plan, error) {
	sources, err := expandPatterns(fsys, cfg.Sources)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expand source patterns")
	}
	if len(sources) == 0 {
		return nil, errors.Errorf("no source files matched %v", cfg.Sources)
	}

	headers, err := expandPatterns(fsys, cfg.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expand header patterns")
	}

	plan := &Plan{
		Steps:  make(map[string]*target.Step),
		Binary: cfg.Binary,
	}

	auxNames := make([]string, 0, len(cfg.Targets))
	for name := range cfg.Targets {
		auxNames = append(auxNames, name)
	}
	slices.Sort(auxNames)

	for _, name := range auxNames {
		aux := cfg.Targets[name]
		inputs, err := expandPatterns(fsys, aux.Dependencies)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to expand dependencies of target %s", name)
		}
		step := &target.Step{
			Name:     name,
			Kind:     target.StepCommand,
			Cmd:      aux.Cmd,
			Inputs:   inputs,
			Outputs:  aux.Outputs,
			StepDeps: aux.TargetDeps,
		}
		if err := plan.add(step); err != nil {
			return nil, err
		}
	}

	objects := make([]string, 0, len(sources))
	compileNames := make([]string, 0, len(sources))
	for _, src := range sources {
		obj := ObjectPath(cfg.ObjDir, src)
		objects = append(objects, obj)

		argv := []string{cfg.Toolchain.Compiler}
		argv = append(argv, cfg.Toolchain.CFlags...)
		argv = append(argv, "-c", src, "-o", obj)

		inputs := append([]string{src}, headers...)

		step := &target.Step{
			Name:     src,
			Kind:     target.StepCompile,
			Argv:     argv,
			Inputs:   inputs,
			Outputs:  []string{obj},
			StepDeps: auxNames,
		}
		if err := plan.add(step); err != nil {
			return nil, err
		}
		compileNames = append(compileNames, src)
	}

	argv := []string{cfg.Toolchain.Linker}
	argv = append(argv, cfg.Toolchain.LDFlags...)
	argv = append(argv, "-o", cfg.Binary)
	argv = append(argv, objects...)

	link := &target.Step{
		Name:     LinkStepName,
		Kind:     target.StepLink,
		Argv:     argv,
		Inputs:   objects,
		Outputs:  []string{cfg.Binary},
		StepDeps: compileNames,
	}
	if err := plan.add(link); err != nil {
		return nil, err
	}

	return plan, nil
}

func (p *Plan) add(step *target.Step) error {
	if _, exists := p.Steps[step.Name]; exists {
		return errors.Errorf("duplicate step name %q", step.Name)
	}
	p.Steps[step.Name] = step
	p.Order = append(p.Order, step.Name)
	return nil
}

// Outputs returns every output path the plan can produce, in order.
func (p *Plan) Outputs() []string {
	var outputs []string
	for _, name := range p.Order {
		outputs = append(outputs, p.Steps[name].Outputs...)
	}
	return outputs
}

// ObjectPath maps a source path to its object artifact path under objDir,
// mirroring the source tree with the extension swapped for .o.
func ObjectPath(objDir, src string) string {
	ext := filepath.Ext(src)
	return filepath.Join(objDir, strings.TrimSuffix(src, ext)+".o")
}

func expandPatterns(fsys fs.FileSystem, patterns []string) ([]string, error) {
	var result []string
	for _, pattern := range patterns {
		matches, err := fsys.DoublestarGlob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "error expanding glob pattern %s", pattern)
		}
		result = append(result, matches...)
	}
	slices.Sort(result)
	return slices.Compact(result), nil
}
