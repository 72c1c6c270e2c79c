package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.starlark.net/starlark"

	"relink/target"
)

// Config is the fully parsed build description from a relink.star file.
type Config struct {
	Toolchain target.Toolchain
	Binary    string
	ObjDir    string
	Sources   []string
	Headers   []string
	Targets   map[string]*target.CommandTarget
}

const (
	defaultCompiler = "cc"
	defaultObjDir   = "build/obj"
)

// ModuleCache is used to store loaded Starlark modules
type ModuleCache struct {
	modules map[string]starlark.StringDict
	mutex   sync.RWMutex
}

// NewModuleCache creates a new ModuleCache
func NewModuleCache() *ModuleCache {
	return &ModuleCache{
		modules: make(map[string]starlark.StringDict),
	}
}

// Get retrieves a module from the cache
func (mc *ModuleCache) Get(key string) (starlark.StringDict, bool) {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	module, ok := mc.modules[key]
	return module, ok
}

// Set stores a module in the cache
func (mc *ModuleCache) Set(key string, module starlark.StringDict) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.modules[key] = module
}

// LoadModule is a custom load function for Starlark that implements caching
func LoadModule(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	cache := thread.Local("moduleCache").(*ModuleCache)

	if cachedModule, ok := cache.Get(module); ok {
		return cachedModule, nil
	}

	filename := module
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(filepath.Dir(thread.Name), filename)
	}

	globals, err := starlark.ExecFile(thread, filename, nil, nil)
	if err != nil {
		return nil, err
	}

	cache.Set(module, globals)

	return globals, nil
}

// ParseStarlarkConfig evaluates the given Starlark file and extracts the
// global 'config' dictionary into a Config.
func ParseStarlarkConfig(filename string) (*Config, error) {
	cache := NewModuleCache()
	thread := &starlark.Thread{
		Name: filename,
		Load: LoadModule,
	}
	thread.SetLocal("moduleCache", cache)

	globals, err := starlark.ExecFile(thread, filename, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Starlark script")
	}

	configValue, ok := globals["config"]
	if !ok {
		return nil, errors.New("global 'config' object not found in Starlark config")
	}

	configDict, ok := configValue.(*starlark.Dict)
	if !ok {
		return nil, errors.New("global 'config' object is not a dictionary")
	}

	return parseConfig(configDict)
}

func parseConfig(dict *starlark.Dict) (*Config, error) {
	cfg := &Config{
		Toolchain: target.Toolchain{Compiler: defaultCompiler},
		ObjDir:    defaultObjDir,
		Targets:   make(map[string]*target.CommandTarget),
	}

	if tc, ok, err := getDict(dict, "toolchain"); err != nil {
		return nil, err
	} else if ok {
		if err := parseToolchain(tc, &cfg.Toolchain); err != nil {
			return nil, err
		}
	}

	if binary, ok, err := getStringValue(dict, "binary"); err != nil {
		return nil, err
	} else if ok {
		cfg.Binary = binary
	}

	if objDir, ok, err := getStringValue(dict, "obj_dir"); err != nil {
		return nil, err
	} else if ok {
		cfg.ObjDir = objDir
	}

	if sources, ok, err := getStringList(dict, "sources"); err != nil {
		return nil, err
	} else if ok {
		cfg.Sources = sources
	}

	if headers, ok, err := getStringList(dict, "headers"); err != nil {
		return nil, err
	} else if ok {
		cfg.Headers = headers
	}

	if targetsDict, ok, err := getDict(dict, "targets"); err != nil {
		return nil, err
	} else if ok {
		for _, item := range targetsDict.Items() {
			key, ok := item.Index(0).(starlark.String)
			if !ok {
				return nil, fmt.Errorf("expected string key in targets, got %T", item.Index(0))
			}
			name := key.GoString()
			value := item.Index(1)
			if td, ok := value.(*starlark.Dict); ok {
				t, err := parseTarget(name, td)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to parse target %s", name)
				}
				cfg.Targets[name] = t
			}
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Binary == "" {
		return errors.New("config is missing required key 'binary'")
	}
	if len(cfg.Sources) == 0 {
		return errors.New("config is missing required key 'sources'")
	}
	if cfg.Toolchain.Linker == "" {
		cfg.Toolchain.Linker = cfg.Toolchain.Compiler
	}
	return nil
}

func parseToolchain(dict *starlark.Dict, tc *target.Toolchain) error {
	if compiler, ok, err := getStringValue(dict, "compiler"); err != nil {
		return err
	} else if ok {
		tc.Compiler = compiler
	}

	if cflags, ok, err := getStringList(dict, "cflags"); err != nil {
		return err
	} else if ok {
		tc.CFlags = cflags
	}

	if linker, ok, err := getStringValue(dict, "linker"); err != nil {
		return err
	} else if ok {
		tc.Linker = linker
	}

	if ldflags, ok, err := getStringList(dict, "ldflags"); err != nil {
		return err
	} else if ok {
		tc.LDFlags = ldflags
	}

	return nil
}

func parseTarget(name string, dict *starlark.Dict) (*target.CommandTarget, error) {
	t := &target.CommandTarget{Name: name}

	if cmd, ok, err := getStringValue(dict, "cmd"); err != nil {
		return nil, err
	} else if ok {
		t.Cmd = cmd
	}
	if t.Cmd == "" {
		return nil, errors.Errorf("target %s has no 'cmd'", name)
	}

	if outputs, ok, err := getStringList(dict, "outputs"); err != nil {
		return nil, err
	} else if ok {
		t.Outputs = outputs
	}

	if deps, ok, err := getStringList(dict, "dependencies"); err != nil {
		return nil, err
	} else if ok {
		t.Dependencies = deps
	}

	if targetDeps, ok, err := getStringList(dict, "target_deps"); err != nil {
		return nil, err
	} else if ok {
		t.TargetDeps = targetDeps
	}

	return t, nil
}

func getDict(dict *starlark.Dict, key string) (*starlark.Dict, bool, error) {
	value, found, err := dict.Get(starlark.String(key))
	if err != nil || !found {
		return nil, false, err
	}

	dictValue, ok := value.(*starlark.Dict)
	if !ok {
		return nil, false, fmt.Errorf("expected dict for key %s, got %T", key, value)
	}

	return dictValue, true, nil
}

func getStringValue(dict *starlark.Dict, key string) (string, bool, error) {
	value, found, err := dict.Get(starlark.String(key))
	if err != nil || !found {
		return "", false, err
	}

	strValue, ok := value.(starlark.String)
	if !ok {
		return "", false, fmt.Errorf("expected string for key %s, got %T", key, value)
	}

	return strValue.GoString(), true, nil
}

func getStringList(dict *starlark.Dict, key string) ([]string, bool, error) {
	value, found, err := dict.Get(starlark.String(key))
	if err != nil || !found {
		return nil, false, err
	}

	list, ok := value.(*starlark.List)
	if !ok {
		return nil, false, fmt.Errorf("expected list for key %s, got %T", key, value)
	}

	var result []string
	iter := list.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		str, ok := x.(starlark.String)
		if !ok {
			return nil, false, fmt.Errorf("expected string in list for key %s, got %T", key, x)
		}
		result = append(result, str.GoString())
	}

	return result, true, nil
}
