package hclconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/taskmesh/internal/model"
	"github.com/zclconf/go-cty/cty"
)

// Load reads one .hcl file, or every *.hcl file in a directory (sorted for
// determinism), and decodes them into a Config. Each task block becomes one
// Config entry; command and args expressions are evaluated once, against a
// context exposing the placeholder constructors as HCL functions.
func Load(path string) (model.Config, error) {
	files, err := gatherFiles(path)
	if err != nil {
		return nil, err
	}

	parser := hclparse.NewParser()
	evalCtx := &hcl.EvalContext{Functions: functions()}

	cfg := model.Config{}
	for _, f := range files {
		body, diags := parser.ParseHCLFile(f)
		if diags.HasErrors() {
			return nil, fmt.Errorf("hclconfig: parsing %s: %w", f, diags)
		}

		var schema fileSchema
		if diags := gohcl.DecodeBody(body.Body, evalCtx, &schema); diags.HasErrors() {
			return nil, fmt.Errorf("hclconfig: decoding %s: %w", f, diags)
		}

		for _, t := range schema.Tasks {
			if _, exists := cfg[t.Name]; exists {
				return nil, fmt.Errorf("hclconfig: task %q declared more than once", t.Name)
			}
			td, err := translateTask(t, evalCtx)
			if err != nil {
				return nil, fmt.Errorf("hclconfig: task %q: %w", t.Name, err)
			}
			cfg[t.Name] = td
		}
	}
	return cfg, nil
}

func translateTask(t *taskBlock, evalCtx *hcl.EvalContext) (*model.TaskDescription, error) {
	cmdVal, diags := t.Command.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluating command: %w", diags)
	}
	command, err := fromCtyValue(cmdVal)
	if err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}

	var args []any
	if t.Args != nil {
		argsVal, diags := t.Args.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("evaluating args: %w", diags)
		}
		if !argsVal.IsNull() {
			it := argsVal.ElementIterator()
			for it.Next() {
				_, v := it.Element()
				a, err := fromCtyValue(v)
				if err != nil {
					return nil, fmt.Errorf("args: %w", err)
				}
				args = append(args, a)
			}
		}
	}

	return &model.TaskDescription{
		Command:            command,
		Args:               args,
		PreserveResultCopy: t.PreserveResultCopy,
		NoMultithreading:   t.NoMultithreading,
	}, nil
}

// fromCtyValue unwraps one of this package's capsule placeholder types, or
// converts a primitive cty.Value into its natural Go type.
func fromCtyValue(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	t := v.Type()
	switch {
	case t.Equals(deferredResultType):
		return *(v.EncapsulatedValue().(*model.DeferredResult)), nil
	case t.Equals(awaitType):
		return *(v.EncapsulatedValue().(*model.Await)), nil
	case t.Equals(asyncResultType):
		return *(v.EncapsulatedValue().(*model.AsyncResult)), nil
	case t.Equals(lateStaticBindingType):
		return *(v.EncapsulatedValue().(*model.LateStaticBinding)), nil
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
	}
}

func gatherFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("hclconfig: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("hclconfig: reading directory %s: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".hcl" {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("hclconfig: no .hcl files found in %s", path)
	}
	return files, nil
}
