package symbols

import (
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"
)

// LoadOptions configures a symbol load.
type LoadOptions struct {
	// Machine is the expected target architecture. MachineUnknown accepts
	// whatever the image declares.
	Machine Machine

	// ImageBase overrides the preferred base recorded in the image, for
	// relocated modules. Zero keeps the image's own base.
	ImageBase uint64

	// Timestamp is the module's load timestamp, folded into the registry
	// signature.
	Timestamp int64

	// Logger receives parse diagnostics. The zero value discards them.
	Logger logr.Logger
}

// Loader is one symbol format front end. A loader returns ErrNotFound style
// errors when the image simply does not carry its format, letting the
// registry try the next one.
type Loader interface {
	Name() string
	Load(filename string, options LoadOptions) (*Module, error)
}

// Registry tracks the set of loaded modules for one debug target. The
// loader chain is injected so the model stays independent of the parsers.
type Registry struct {
	loaders []Loader
	modules []*Module
	log     logr.Logger
}

// NewRegistry creates a registry with the given loader chain, tried in order.
func NewRegistry(loaders []Loader, log logr.Logger) *Registry {
	return &Registry{loaders: loaders, log: log}
}

// LoadModule loads symbols for an image and adds the module to the registry.
// Each loader in the chain is tried in order; the first success wins.
func (r *Registry) LoadModule(filename string, options LoadOptions) (*Module, error) {
	if options.Logger.GetSink() == nil {
		options.Logger = r.log
	}
	var firstErr error
	for _, loader := range r.loaders {
		module, err := loader.Load(filename, options)
		if err == nil {
			if options.ImageBase != 0 {
				module.ImageBase = options.ImageBase
			}
			module.Timestamp = options.Timestamp
			r.modules = append(r.modules, module)
			return module, nil
		}
		r.log.V(1).Info("loader declined module",
			"loader", loader.Name(), "file", filename, "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", loader.Name(), err)
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("%s: no symbol loaders configured", filename)
	}
	return nil, firstErr
}

// UnloadModule removes a module from the registry. References into the
// module's symbols must not be used afterwards.
func (r *Registry) UnloadModule(module *Module) bool {
	for i, m := range r.modules {
		if m == module {
			r.modules = append(r.modules[:i], r.modules[i+1:]...)
			return true
		}
	}
	return false
}

// Modules returns the loaded modules sorted by image base.
func (r *Registry) Modules() []*Module {
	modules := slices.Clone(r.modules)
	slices.SortStableFunc(modules, func(a, b *Module) int {
		switch {
		case a.ImageBase < b.ImageBase:
			return -1
		case a.ImageBase > b.ImageBase:
			return 1
		}
		return 0
	})
	return modules
}

// ModuleForAddress returns the loaded module whose image contains the given
// address: the one with the highest image base at or below it.
func (r *Registry) ModuleForAddress(address uint64) *Module {
	var best *Module
	for _, m := range r.modules {
		if m.ImageBase <= address && (best == nil || m.ImageBase > best.ImageBase) {
			best = m
		}
	}
	return best
}

// Signature summarizes the loaded module set. Hosts compare signatures to
// detect that modules were loaded or unloaded behind their back.
func (r *Registry) Signature() uint64 {
	var signature uint64
	for _, m := range r.modules {
		signature += m.ImageBase + uint64(m.Timestamp)
	}
	return signature
}
