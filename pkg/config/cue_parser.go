package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser reads unit catalogs written in CUE.
//
// Units may be given as a list or as a struct keyed by unit ID:
//
//	scope: "dev"
//	units: {
//		vpc: {command: "terraform", args: ["apply"]}
//		subnet: {command: "terraform", depends_on: ["vpc"]}
//	}
//
// Each unit is checked against the schema's unit definition before decoding,
// so misspelled fields are reported instead of silently dropped.
type CUEParser struct {
	ctx   *cue.Context
	entry cue.Value
}

// NewCUEParser creates a new CUE parser sharing the registry's CUE context.
// A nil registry disables per-unit schema checks.
func NewCUEParser(schemas *SchemaRegistry) *CUEParser {
	if schemas == nil {
		return &CUEParser{ctx: cuecontext.New()}
	}
	cp := &CUEParser{ctx: schemas.ctx}
	if schema, ok := schemas.GetSchema(SchemaUnitsFile); ok {
		cp.entry = schema.LookupPath(unitEntryPath)
	}
	return cp
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) (*UnitsFile, error) {
	return cp.parse([]byte(content), "inline")
}

// ParseFile parses a single CUE file.
func (cp *CUEParser) ParseFile(path string) (*UnitsFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return cp.parse(content, path)
}

// ParseDir loads a directory as a single CUE package.
func (cp *CUEParser) ParseDir(dir string) (*UnitsFile, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return cp.extract(val, files)
}

func (cp *CUEParser) parse(content []byte, source string) (*UnitsFile, error) {
	val := cp.ctx.CompileBytes(content, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.extract(val, []string{source})
}

// extract decodes a catalog from a CUE value.
func (cp *CUEParser) extract(val cue.Value, sourceFiles []string) (*UnitsFile, error) {
	file := &UnitsFile{SourceFiles: sourceFiles}
	source := formatSourceFiles(sourceFiles)
	var errs ValidationErrors

	if scopeVal := val.LookupPath(cue.ParsePath("scope")); scopeVal.Exists() {
		scope, err := scopeVal.String()
		if err != nil {
			errs = append(errs, ValidationError{File: source, Path: "scope", Message: err.Error()})
		}
		file.Scope = scope
	}

	if defaultsVal := val.LookupPath(cue.ParsePath("defaults")); defaultsVal.Exists() {
		if err := defaultsVal.Decode(&file.Defaults); err != nil {
			errs = append(errs, ValidationError{
				File:    source,
				Path:    "defaults",
				Message: fmt.Sprintf("failed to decode defaults: %v", err),
			})
		}
	}

	unitsVal := val.LookupPath(cue.ParsePath("units"))
	switch unitsVal.Kind() {
	case cue.StructKind:
		iter, err := unitsVal.Fields()
		if err != nil {
			errs = append(errs, ValidationError{File: source, Path: "units", Message: err.Error()})
			break
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			unit, err := cp.decodeUnit(key, iter.Value())
			if err != nil {
				errs = append(errs, ValidationError{File: source, Path: "units." + key, Message: err.Error()})
				continue
			}
			file.Units = append(file.Units, unit)
		}

	case cue.ListKind:
		list, err := unitsVal.List()
		if err != nil {
			errs = append(errs, ValidationError{File: source, Path: "units", Message: err.Error()})
			break
		}
		for idx := 0; list.Next(); idx++ {
			unit, err := cp.decodeUnit("", list.Value())
			if err != nil {
				errs = append(errs, ValidationError{File: source, Path: fmt.Sprintf("units[%d]", idx), Message: err.Error()})
				continue
			}
			file.Units = append(file.Units, unit)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return file, nil
}

func (cp *CUEParser) decodeUnit(id string, val cue.Value) (UnitConfig, error) {
	var unit UnitConfig
	if cp.entry.Exists() {
		if err := cp.entry.Unify(val).Validate(cue.Concrete(true)); err != nil {
			return unit, convertCUEErrors(err)
		}
	}
	if err := val.Decode(&unit); err != nil {
		return unit, fmt.Errorf("failed to decode unit: %w", err)
	}
	if unit.ID == "" {
		unit.ID = id
	}
	return unit, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	return out
}
