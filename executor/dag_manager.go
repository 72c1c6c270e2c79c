package executor

import "github.com/pkg/errors"

type DAGManager interface {
	AddNode(name string, dependencies []string)
	TopologicalSort() ([]string, error)
}

type dagManager struct {
	graph map[string][]string
}

func NewDAGManager() DAGManager {
	return &dagManager{
		graph: make(map[string][]string),
	}
}

func (dm *dagManager) AddNode(name string, dependencies []string) {
	dm.graph[name] = dependencies
}

func (dm *dagManager) TopologicalSort() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int)
	var order []string

	var visit func(string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return errors.Errorf("dependency cycle detected at %q", name)
		}
		state[name] = visiting

		for _, dep := range dm.graph[name] {
			if _, ok := dm.graph[dep]; !ok {
				return errors.Errorf("%q depends on unknown step %q", name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[name] = done
		order = append(order, name)
		return nil
	}

	for name := range dm.graph {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}
