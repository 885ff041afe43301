package config

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// SourceType names the origin of a configuration source, used for
// precedence ordering and diagnostics.
type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceFile    SourceType = "file"
	SourceEnv     SourceType = "env"
	SourceCLI     SourceType = "cli"
)

// Source supplies configuration data to a Service. Sources are applied in
// the order given to Load, each overriding keys set by earlier sources.
type Source interface {
	// Load returns the raw key/value tree this source contributes.
	Load() (map[string]any, error)
	// Type reports the kind of source, used for logging and precedence
	// decisions.
	Type() SourceType
	// Watch invokes onChange whenever the underlying source mutates. A nil
	// error with no further calls means the source is static.
	Watch(ctx context.Context, onChange func()) error
}

// defaultProvider seeds the tree with Default()'s values.
type defaultProvider struct{}

// NewDefaultProvider returns a Source that contributes the built-in
// defaults. It should always be the first source given to Load.
func NewDefaultProvider() Source { return &defaultProvider{} }

func (p *defaultProvider) Load() (map[string]any, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(*Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}
	return k.Raw(), nil
}

func (p *defaultProvider) Type() SourceType { return SourceDefault }

func (p *defaultProvider) Watch(context.Context, func()) error { return nil }

// envProvider contributes values found as HOOKRELAY_-prefixed environment
// variables, e.g. HOOKRELAY_SERVER__PORT maps to server.port.
type envProvider struct {
	prefix string
}

// NewEnvProvider returns a Source backed by the process environment. Nested
// keys use a double underscore as the path separator.
func NewEnvProvider() Source { return &envProvider{prefix: "HOOKRELAY_"} }

func (p *envProvider) Load() (map[string]any, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: p.prefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyToPath(key, p.prefix), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	return k.Raw(), nil
}

func (p *envProvider) Type() SourceType { return SourceEnv }

func (p *envProvider) Watch(context.Context, func()) error { return nil }

// envKeyToPath converts HOOKRELAY_SERVER__READ_TIMEOUT into
// server.read_timeout.
func envKeyToPath(key, prefix string) string {
	trimmed := key
	if len(key) > len(prefix) {
		trimmed = key[len(prefix):]
	}
	out := make([]byte, 0, len(trimmed))
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b - 'A' + 'a'
		}
		return b
	}
	i := 0
	for i < len(trimmed) {
		if trimmed[i] == '_' && i+1 < len(trimmed) && trimmed[i+1] == '_' {
			out = append(out, '.')
			i += 2
			continue
		}
		out = append(out, lower(trimmed[i]))
		i++
	}
	return string(out)
}

// yamlFileProvider contributes values parsed from a YAML file on disk, used
// for operators who prefer a mounted config map over environment variables.
type yamlFileProvider struct {
	path string

	mu      sync.Mutex
	watcher *Watcher
}

// NewYAMLProvider returns a Source backed by the YAML file at path. A
// missing file is treated as an empty source rather than an error, so a
// deployment may omit it entirely.
func NewYAMLProvider(path string) Source { return &yamlFileProvider{path: path} }

func (p *yamlFileProvider) Load() (map[string]any, error) {
	if _, err := os.Stat(p.path); os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(p.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load yaml config %s: %w", p.path, err)
	}
	return k.Raw(), nil
}

func (p *yamlFileProvider) Type() SourceType { return SourceFile }

// Watch registers onChange against a shared fsnotify-backed *Watcher,
// created and started on the first call; repeated calls (one per source
// registered with Manager.Load) add another callback rather than
// starting a second watch. A path that does not exist is treated the
// same way Load treats it: a static, empty source with nothing to watch.
func (p *yamlFileProvider) Watch(ctx context.Context, onChange func()) error {
	if _, err := os.Stat(p.path); os.IsNotExist(err) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		w, err := NewWatcher()
		if err != nil {
			return fmt.Errorf("config: create file watcher for %s: %w", p.path, err)
		}
		if err := w.Watch(ctx, p.path); err != nil {
			_ = w.Close()
			return err
		}
		p.watcher = w
		go func() {
			<-ctx.Done()
			_ = w.Close()
		}()
	}
	p.watcher.OnChange(onChange)
	return nil
}

// cliProvider contributes values parsed from explicit CLI flag overrides.
type cliProvider struct {
	flags map[string]any
}

// NewCLIProvider returns a Source backed by a flat map of flag values,
// typically gathered from a cobra/pflag FlagSet by the caller.
func NewCLIProvider(flags map[string]any) Source { return &cliProvider{flags: flags} }

func (p *cliProvider) Load() (map[string]any, error) {
	out := map[string]any{}
	if p.flags == nil {
		return out, nil
	}
	server := map[string]any{}
	if v, ok := p.flags["host"]; ok {
		server["host"] = v
	}
	if v, ok := p.flags["port"]; ok {
		server["port"] = v
	}
	if len(server) > 0 {
		out["server"] = server
	}
	if v, ok := p.flags["broker-backend"]; ok {
		out["broker"] = map[string]any{"backend": v}
	}
	return out, nil
}

func (p *cliProvider) Type() SourceType { return SourceCLI }

func (p *cliProvider) Watch(context.Context, func()) error { return nil }
