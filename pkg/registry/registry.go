// Package registry maps action names to the handlers of an analysis type.
//
// Handlers are found once per type by scanning its exported methods:
// a method named OnTestFn handles the action "test_fn". A type may also
// implement Actioner to bind any exported method to an explicit action name,
// including the wildcard "*". Closures are added per instance with Add.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/aretw0/databench/pkg/domain"
)

var (
	// ErrInvalidHandler is returned for a handler whose signature cannot be called.
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrBinding is returned when a load cannot be bound to the handler's parameters.
	ErrBinding = errors.New("cannot bind load")
	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Actioner is implemented by analyses that name their handlers explicitly.
// The map goes from method name to action name.
type Actioner interface {
	Actions() map[string]string
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Handler is one callable bound to an action.
type Handler struct {
	Action string
	Name   string

	fn       reflect.Value
	method   bool // fn takes the receiver as first argument
	takesCtx bool
	params   []reflect.Type
	returns  bool // fn returns an error
}

// Table is the immutable handler map of one analysis type.
type Table struct {
	Type     reflect.Type
	handlers map[string][]*Handler
}

var tables sync.Map // reflect.Type -> *tableEntry

type tableEntry struct {
	once  sync.Once
	table *Table
	err   error
}

// For returns the handler table of v's dynamic type, scanning it on first use.
func For(v any) (*Table, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("%w: nil analysis", ErrInvalidHandler)
	}
	e, _ := tables.LoadOrStore(t, &tableEntry{})
	entry := e.(*tableEntry)
	entry.once.Do(func() {
		entry.table, entry.err = scan(v, t)
	})
	return entry.table, entry.err
}

func scan(v any, t reflect.Type) (*Table, error) {
	explicit := map[string]string{}
	if a, ok := v.(Actioner); ok {
		for method, action := range a.Actions() {
			explicit[method] = action
		}
	}

	table := &Table{Type: t, handlers: make(map[string][]*Handler)}
	var errs []error
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		action, ok := explicit[m.Name]
		if ok {
			delete(explicit, m.Name)
		} else if action, ok = ActionName(m.Name); !ok {
			continue
		}

		h, err := newHandler(action, m.Name, m.Func, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		table.handlers[action] = append(table.handlers[action], h)
	}
	for method := range explicit {
		errs = append(errs, fmt.Errorf("%w: %s has no exported method %s", ErrInvalidHandler, t, method))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return table, nil
}

// ActionName derives the action handled by a method named OnSomething.
func ActionName(method string) (string, bool) {
	rest, ok := strings.CutPrefix(method, "On")
	if !ok || rest == "" || !unicode.IsUpper(rune(rest[0])) {
		return "", false
	}
	return SnakeCase(rest), true
}

// SnakeCase converts a Go identifier to snake_case ("TestFn" -> "test_fn",
// "HTTPGet" -> "http_get").
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func newHandler(action, name string, fn reflect.Value, method bool) (*Handler, error) {
	ft := fn.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s is a %s, not a func", ErrInvalidHandler, name, ft.Kind())
	}
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: %s is variadic", ErrInvalidHandler, name)
	}

	h := &Handler{Action: action, Name: name, fn: fn, method: method}
	first := 0
	if method {
		first = 1
	}
	for i := first; i < ft.NumIn(); i++ {
		in := ft.In(i)
		if i == first && in == contextType {
			h.takesCtx = true
			continue
		}
		h.params = append(h.params, in)
	}

	switch {
	case ft.NumOut() == 0:
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
		h.returns = true
	default:
		return nil, fmt.Errorf("%w: %s must return nothing or an error", ErrInvalidHandler, name)
	}
	return h, nil
}

// Lookup returns the handlers for action followed by the wildcard handlers.
func (t *Table) Lookup(action string) []*Handler {
	out := append([]*Handler(nil), t.handlers[action]...)
	if action != domain.ActionWildcard {
		out = append(out, t.handlers[domain.ActionWildcard]...)
	}
	return out
}

// Actions lists the action names of the table in sorted order.
func (t *Table) Actions() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry binds a Table to one analysis instance and holds its extra closures.
type Registry struct {
	receiver reflect.Value
	table    *Table

	mu    sync.RWMutex
	extra map[string][]*Handler
}

// New builds the registry of an analysis instance.
func New(analysis any) (*Registry, error) {
	table, err := For(analysis)
	if err != nil {
		return nil, err
	}
	return &Registry{
		receiver: reflect.ValueOf(analysis),
		table:    table,
		extra:    make(map[string][]*Handler),
	}, nil
}

// Add registers fn under action for this instance only.
// fn follows the same signature rules as handler methods.
func (r *Registry) Add(action string, fn any) error {
	h, err := newHandler(action, action, reflect.ValueOf(fn), false)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extra[action] = append(r.extra[action], h)
	return nil
}

// Lookup returns the handlers registered for action, then the wildcard handlers.
func (r *Registry) Lookup(action string) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]*Handler(nil), r.table.handlers[action]...)
	out = append(out, r.extra[action]...)
	if action != domain.ActionWildcard {
		out = append(out, r.table.handlers[domain.ActionWildcard]...)
		out = append(out, r.extra[domain.ActionWildcard]...)
	}
	return out
}

// Call runs h with load bound to its parameters. A panic in the handler is
// returned as an error wrapping ErrHandlerPanic.
func (r *Registry) Call(ctx context.Context, h *Handler, action string, load domain.Load) error {
	return h.Invoke(WithAction(ctx, action), r.receiver, load)
}

// Invoke calls the handler on receiver. receiver is ignored for closures.
func (h *Handler) Invoke(ctx context.Context, receiver reflect.Value, load domain.Load) (err error) {
	args, err := bind(h.params, load)
	if err != nil {
		return fmt.Errorf("%s: %w", h.Name, err)
	}

	in := make([]reflect.Value, 0, len(args)+2)
	if h.method {
		in = append(in, receiver)
	}
	if h.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, h.Name, rec)
		}
	}()

	out := h.fn.Call(in)
	if h.returns && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

type actionKey struct{}

// WithAction records the name of the action being dispatched.
func WithAction(ctx context.Context, action string) context.Context {
	return context.WithValue(ctx, actionKey{}, action)
}

// ActionFromContext returns the name of the action being dispatched.
// Wildcard handlers use it to learn which action they were called for.
func ActionFromContext(ctx context.Context) string {
	s, _ := ctx.Value(actionKey{}).(string)
	return s
}
