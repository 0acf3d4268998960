package hclconfig

import (
	"reflect"

	"github.com/vk/taskmesh/internal/model"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Capsule types let a placeholder value (model.DeferredResult and friends)
// round-trip through an hcl.Expression's evaluated cty.Value without a
// lossy string or map encoding: the Go value rides inside the cty.Value
// itself, exactly as go-cty's capsule types are meant to be used.
var (
	deferredResultType    = cty.Capsule("DeferredResult", reflect.TypeOf(model.DeferredResult{}))
	awaitType             = cty.Capsule("Await", reflect.TypeOf(model.Await{}))
	asyncResultType       = cty.Capsule("AsyncResult", reflect.TypeOf(model.AsyncResult{}))
	lateStaticBindingType = cty.Capsule("LateStaticBinding", reflect.TypeOf(model.LateStaticBinding{}))
)

func optionalThen(args []cty.Value, at int) string {
	if len(args) > at && !args[at].IsNull() {
		return args[at].AsString()
	}
	return ""
}

var resultOfFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "dep", Type: cty.String}},
	VarParam: &function.Parameter{
		Name: "then", Type: cty.String, AllowNull: true,
	},
	Type: function.StaticReturnType(deferredResultType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		dr := model.DeferredResult{Dep: args[0].AsString(), Then: optionalThen(args, 1), PassRef: false}
		return cty.CapsuleVal(deferredResultType, &dr), nil
	},
})

var referenceToResultOfFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "dep", Type: cty.String}},
	VarParam: &function.Parameter{
		Name: "then", Type: cty.String, AllowNull: true,
	},
	Type: function.StaticReturnType(deferredResultType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		dr := model.DeferredResult{Dep: args[0].AsString(), Then: optionalThen(args, 1), PassRef: true}
		return cty.CapsuleVal(deferredResultType, &dr), nil
	},
})

var awaitFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "dep", Type: cty.String}},
	VarParam: &function.Parameter{
		Name: "then", Type: cty.String, AllowNull: true,
	},
	Type: function.StaticReturnType(awaitType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		a := model.Await{Dep: args[0].AsString(), Then: optionalThen(args, 1)}
		return cty.CapsuleVal(awaitType, &a), nil
	},
})

var asyncResultFunc = function.New(&function.Spec{
	Params: nil,
	Type:   function.StaticReturnType(asyncResultType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		ar := model.AsyncResult{}
		return cty.CapsuleVal(asyncResultType, &ar), nil
	},
})

var variableFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "name", Type: cty.String}},
	Type:   function.StaticReturnType(lateStaticBindingType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		lsb := model.LateStaticBinding{Name: args[0].AsString()}
		return cty.CapsuleVal(lateStaticBindingType, &lsb), nil
	},
})

func functions() map[string]function.Function {
	return map[string]function.Function{
		"result_of":              resultOfFunc,
		"reference_to_result_of": referenceToResultOfFunc,
		"await":                  awaitFunc,
		"async":                  asyncResultFunc,
		"variable":               variableFunc,
	}
}
