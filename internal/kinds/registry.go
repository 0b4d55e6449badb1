// Package kinds declares the entity kinds the engine synchronizes.
//
// Declarations are CUE: each kind has a REST resource path and an optional
// schema. Payloads are validated by compiling them as CUE (JSON is valid
// CUE), unifying with the schema and requiring the result to be concrete.
package kinds

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"golang.org/x/text/cases"

	"github.com/roach88/offsync/internal/record"
)

//go:embed kinds.cue
var defaultKinds []byte

// DeclError reports a malformed kind declaration.
type DeclError struct {
	Kind    string
	Message string
	Pos     token.Pos
}

func (e *DeclError) Error() string {
	prefix := "kinds"
	if e.Kind != "" {
		prefix = "kinds." + e.Kind
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), prefix, e.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Registry holds the declared kinds.
//
// Thread-safety: safe for concurrent use. A cue.Context is not, so every
// CUE evaluation goes through mu.
type Registry struct {
	mu    sync.Mutex
	ctx   *cue.Context
	kinds map[string]*Kind
	names []string

	// folded maps case-folded names to kinds. Names that fold together
	// are left out and only match exactly.
	folded map[string]*Kind
}

// Kind is one declared entity kind.
type Kind struct {
	Name     string
	Resource string

	schema    cue.Value
	hasSchema bool
	reg       *Registry
}

// Default returns the registry declared by the embedded kinds.cue.
func Default() (*Registry, error) {
	return Parse("kinds.cue", defaultKinds)
}

// Load reads kind declarations from a CUE file.
func Load(path string) (*Registry, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kinds file: %w", err)
	}
	return Parse(path, src)
}

// Parse compiles kind declarations from src. filename is used in positions.
func Parse(filename string, src []byte) (*Registry, error) {
	r := &Registry{
		ctx:   cuecontext.New(),
		kinds: make(map[string]*Kind),
	}

	root := r.ctx.CompileBytes(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, formatCUEError("", err)
	}

	decls := root.LookupPath(cue.ParsePath("kinds"))
	if !decls.Exists() {
		return nil, &DeclError{Message: "no kinds declared"}
	}
	iter, err := decls.Fields()
	if err != nil {
		return nil, formatCUEError("", err)
	}
	for iter.Next() {
		k, err := r.compileKind(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		r.kinds[k.Name] = k
		r.names = append(r.names, k.Name)
	}
	if len(r.names) == 0 {
		return nil, &DeclError{Message: "no kinds declared"}
	}
	sort.Strings(r.names)
	r.indexFolded()
	return r, nil
}

func (r *Registry) indexFolded() {
	fold := cases.Fold()
	r.folded = make(map[string]*Kind, len(r.names))
	clash := make(map[string]bool)
	for _, name := range r.names {
		key := fold.String(name)
		if _, dup := r.folded[key]; dup || clash[key] {
			delete(r.folded, key)
			clash[key] = true
			continue
		}
		r.folded[key] = r.kinds[name]
	}
}

func (r *Registry) compileKind(name string, v cue.Value) (*Kind, error) {
	if err := v.Validate(cue.Concrete(false)); err != nil {
		return nil, formatCUEError(name, err)
	}

	resVal := v.LookupPath(cue.ParsePath("resource"))
	if !resVal.Exists() {
		return nil, &DeclError{Kind: name, Message: "resource is required", Pos: v.Pos()}
	}
	resource, err := resVal.String()
	if err != nil {
		return nil, formatCUEError(name, err)
	}

	k := &Kind{Name: name, Resource: resource, reg: r}
	if schema := v.LookupPath(cue.ParsePath("schema")); schema.Exists() {
		k.schema = schema
		k.hasSchema = true
	}
	return k, nil
}

// Lookup returns the kind declared under name. An exact match wins;
// otherwise name matches case-insensitively ("project", "PROJECT").
func (r *Registry) Lookup(name string) (*Kind, bool) {
	if k, ok := r.kinds[name]; ok {
		return k, true
	}
	k, ok := r.folded[cases.Fold().String(name)]
	return k, ok
}

// Names returns every declared kind name, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Validate checks that payload is a JSON object satisfying the kind's
// schema. Failures are ValidationErrors.
func (k *Kind) Validate(payload []byte) error {
	op := "validate " + k.Name
	if _, err := record.DecodeEntity(payload); err != nil {
		return err
	}
	if !k.hasSchema {
		return nil
	}

	k.reg.mu.Lock()
	defer k.reg.mu.Unlock()

	data := k.reg.ctx.CompileBytes(payload, cue.Filename(k.Name+".json"))
	if err := data.Err(); err != nil {
		return record.NewValidationError(op, err.Error())
	}
	if err := k.schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return record.NewValidationError(op, firstCUEError(err))
	}
	return nil
}

// CollectionURL is the resource path for list and create.
func (k *Kind) CollectionURL() string {
	return k.Resource
}

// ItemURL is the resource path for one entity.
func (k *Kind) ItemURL(id string) string {
	return k.Resource + url.PathEscape(id)
}

// FieldURL is the resource path for one field of an entity.
func (k *Kind) FieldURL(id, field string) string {
	return k.ItemURL(id) + "/" + url.PathEscape(field)
}

func firstCUEError(err error) string {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}

func formatCUEError(kind string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &DeclError{Kind: kind, Message: err.Error()}
	}
	first := errs[0]
	var pos token.Pos
	if positions := errors.Positions(first); len(positions) > 0 {
		pos = positions[0]
	}
	return &DeclError{Kind: kind, Message: first.Error(), Pos: pos}
}
