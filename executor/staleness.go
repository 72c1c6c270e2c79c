package executor

import (
	"os"

	"github.com/pkg/errors"

	"relink/fs"
	"relink/target"
)

// ArtifactForOutput stats one step output and its inputs and returns the
// resulting Artifact. The artifact is stale iff it does not exist or any
// input's modtime is newer than its own.
func ArtifactForOutput(fsys fs.FileSystem, output string, inputs []string) (target.Artifact, error) {
	artifact := target.Artifact{Path: output}

	for _, input := range inputs {
		info, err := fsys.Stat(input)
		if err != nil {
			return artifact, errors.Wrapf(err, "failed to stat input %s", input)
		}
		artifact.Deps = append(artifact.Deps, target.SourceUnit{
			Path:    input,
			ModTime: info.ModTime(),
		})
	}

	info, err := fsys.Stat(output)
	if err != nil {
		if os.IsNotExist(err) {
			artifact.Stale = true
			return artifact, nil
		}
		return artifact, errors.Wrapf(err, "failed to stat output %s", output)
	}

	for _, dep := range artifact.Deps {
		if dep.ModTime.After(info.ModTime()) {
			artifact.Stale = true
			break
		}
	}

	return artifact, nil
}

// StaleByTimestamps reports whether any of the step's outputs is stale
// relative to its inputs. Steps without declared outputs are always stale.
func StaleByTimestamps(fsys fs.FileSystem, step *target.Step) (bool, error) {
	if len(step.Outputs) == 0 {
		return true, nil
	}

	for _, output := range step.Outputs {
		artifact, err := ArtifactForOutput(fsys, output, step.Inputs)
		if err != nil {
			return false, err
		}
		if artifact.Stale {
			return true, nil
		}
	}

	return false, nil
}
