// Package hclconfig loads a Config from HCL source: one `task "name" { ... }`
// block per task, with command and args expressions evaluated against a
// context exposing result_of/reference_to_result_of/await/variable/async as
// HCL functions, mirroring the public Go constructors of the same names.
//
// The shape mirrors the teacher repository's schema/translate split in
// internal/hcl: a plain gohcl-tagged struct for the block grammar, evaluated
// expressions translated into the domain model at a second step, rather
// than one pass that does both.
package hclconfig

import "github.com/hashicorp/hcl/v2"

type taskBlock struct {
	Name               string         `hcl:"name,label"`
	Command            hcl.Expression `hcl:"command"`
	Args               hcl.Expression `hcl:"args,optional"`
	PreserveResultCopy bool           `hcl:"preserve_result_copy,optional"`
	NoMultithreading   bool           `hcl:"no_multithreading,optional"`
}

type fileSchema struct {
	Tasks []*taskBlock `hcl:"task,block"`
	Body  hcl.Body     `hcl:",remain"`
}
