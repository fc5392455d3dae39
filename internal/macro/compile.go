package macro

import (
	"fmt"
	"path"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/evanw/esbuild/pkg/api"
	"go.starlark.net/syntax"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/checksum"
	"github.com/starford/galaxy/internal/models"
)

// InlineLabel names macros compiled from code sent with a task.
const InlineLabel = "inline.ts"

// Supported reports whether name has a macro source extension.
func Supported(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".js", ".ts", ".star":
		return true
	}
	return false
}

// Compile rewrites a macro source into a loadable module definition.
// JavaScript and TypeScript sources become CommonJS modules whose default
// export is the single top-level function; Starlark sources are validated to
// declare exactly one top-level def.
func Compile(label, source string) (models.MacroDefinition, error) {
	source = strings.ReplaceAll(source, "\r\n", "\n")
	if strings.EqualFold(path.Ext(label), ".star") {
		return compileStarlark(label, source)
	}
	return compileJS(label, source)
}

func compileJS(label, source string) (models.MacroDefinition, error) {
	loader := api.LoaderTS
	if strings.EqualFold(path.Ext(label), ".js") {
		loader = api.LoaderJS
	}
	result := api.Transform(source, api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatCommonJS,
		Target:     api.ES2020,
		Sourcefile: label,
		Supported:  map[string]bool{"dynamic-import": true},
	})
	if len(result.Errors) > 0 {
		var errMsg string
		for _, err := range result.Errors {
			if err.Location != nil {
				errMsg += fmt.Sprintf("%s:%d:%d: %s\n",
					err.Location.File,
					err.Location.Line,
					err.Location.Column,
					err.Text)
			} else {
				errMsg += err.Text + "\n"
			}
		}
		return models.MacroDefinition{}, fmt.Errorf("transform:\n%s", errMsg)
	}

	code := RewriteDynamicImports(string(result.Code))

	prog, err := parser.ParseFile(nil, label, code, 0)
	if err != nil {
		return models.MacroDefinition{}, fmt.Errorf("parse: %w", err)
	}
	var fns []*ast.FunctionLiteral
	for _, stmt := range prog.Body {
		if decl, ok := stmt.(*ast.FunctionDeclaration); ok {
			fns = append(fns, decl.Function)
		}
	}
	switch {
	case len(fns) == 0:
		return models.MacroDefinition{}, apperr.ErrNoEntryPoint
	case len(fns) > 1:
		return models.MacroDefinition{}, fmt.Errorf("%w: %s and %s",
			apperr.ErrAmbiguousEntryPoint, fns[0].Name.Name, fns[1].Name.Name)
	}
	entry := fns[0].Name.Name.String()

	code = strings.TrimRight(code, "\n") + "\nmodule.exports.default = " + entry + ";\n"
	return models.MacroDefinition{
		Label:    label,
		Source:   code,
		Entry:    entry,
		Async:    fns[0].Async,
		Kind:     models.MacroKindJS,
		Checksum: checksum.Sum([]byte(code)),
	}, nil
}

func compileStarlark(label, source string) (models.MacroDefinition, error) {
	f, err := syntax.Parse(label, source, 0)
	if err != nil {
		return models.MacroDefinition{}, fmt.Errorf("parse: %w", err)
	}
	var defs []*syntax.DefStmt
	for _, stmt := range f.Stmts {
		if def, ok := stmt.(*syntax.DefStmt); ok {
			defs = append(defs, def)
		}
	}
	switch {
	case len(defs) == 0:
		return models.MacroDefinition{}, apperr.ErrNoEntryPoint
	case len(defs) > 1:
		return models.MacroDefinition{}, fmt.Errorf("%w: %s and %s",
			apperr.ErrAmbiguousEntryPoint, defs[0].Name.Name, defs[1].Name.Name)
	}
	return models.MacroDefinition{
		Label:    label,
		Source:   source,
		Entry:    defs[0].Name.Name,
		Kind:     models.MacroKindStarlark,
		Checksum: checksum.Sum([]byte(source)),
	}, nil
}
