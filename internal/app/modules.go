package app

import (
	"context"
	"fmt"

	"github.com/vk/taskmesh"
)

// Module registers one or more callables against a Pipeline's registry,
// mirroring the teacher registry's Module pattern but targeting a
// Pipeline directly instead of a standalone registry.
type Module interface {
	Register(p *taskmesh.Pipeline)
}

// ModuleFunc adapts a plain function into a Module.
type ModuleFunc func(p *taskmesh.Pipeline)

func (f ModuleFunc) Register(p *taskmesh.Pipeline) { f(p) }

// coreModules are registered automatically when NewApp is called with no
// modules of its own, giving an HCL config something to call out of the box.
var coreModules = []Module{
	ModuleFunc(registerArithmetic),
}

func registerArithmetic(p *taskmesh.Pipeline) {
	p.Register("id", func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	})

	p.Register("inc", func(ctx context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("inc: expected exactly one argument, got %d", len(args))
		}
		n, err := toFloat(args[0])
		if err != nil {
			return nil, fmt.Errorf("inc: %w", err)
		}
		return n + 1, nil
	})

	p.Register("add", func(ctx context.Context, args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("add: expected exactly two arguments, got %d", len(args))
		}
		a, err := toFloat(args[0])
		if err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		b, err := toFloat(args[1])
		if err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		return a + b, nil
	})
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
