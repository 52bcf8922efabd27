// Command typegen parses the repo's Go config structs and emits TypeScript
// interfaces for the demo UI. Run from the project root:
//
//	go run ./cmd/typegen -out ui/src/types/generated.ts
//
// The output replaces a hand-maintained settings.ts so struct changes on the
// Go side propagate to the frontend without manual edits.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

// entry is one struct to export. goName may be qualified as "rel/dir:Name"
// when the plain name is ambiguous across packages. An empty tsName keeps
// the Go name.
type entry struct {
	goName string
	tsName string
}

// exports lists the structs to generate, in output order.
var exports = []entry{
	// Top-level settings
	{"SettingsConfig", "Settings"},
	{"SessionAPIConfig", "SessionApiConfig"},
	{"TransportFactoryConfig", "TransportConfig"},
	{"LiveKitProviderConfig", "LiveKitConfig"},
	{"DailyProviderConfig", "DailyConfig"},
	{"TwilioProviderConfig", "TwilioConfig"},
	{"WebSocketProviderConfig", "WebSocketConfig"},
	// Session config
	{"SessionConfig", ""},
	{"SessionSTTConfig", "SttConfig"},
	{"SessionLLMConfig", "LlmConfig"},
	{"SessionTTSConfig", "TtsConfig"},
	{"SessionContextConfig", "ContextConfig"},
	{"AvatarConfig", ""},
	// MCP config
	{"MCPServerConfig", "McpServerConfig"},
	{"MCPCommandConfig", "McpCommandConfig"},
	{"MCPURLConfig", "McpUrlConfig"},
	// Handler configs
	{"STTConfig", "SttHandlerConfig"},
	{"LLMHandlerConfig", "LlmHandlerConfig"},
	{"TTSConfig", "TtsHandlerConfig"},
	{"LLMContextManagerConfig", "ContextManagerConfig"},
	{"ContextConfig", "ContextHandlerConfig"},
	// Core LLM types
	{"LLMContext", "LlmContext"},
	{"LLMMessage", "ContextMessage"},
	{"LLMTool", "ContextTool"},
	{"Parameter", "ToolParameter"},
	// Service configs
	{"DeepgramConfig", "DeepgramSttConfig"},
	{"services/openai/llm:Config", "OpenAiLlmConfig"},
	{"DepgramTTSConfig", "DeepgramTtsConfig"},
	{"ElevenLabsTTSConfig", "ElevenLabsTtsConfig"},
	{"CartesiaTTSConfig", "CartesiaTtsConfig"},
	// Factory configs
	{"STTFactoryConfig", "SttServiceConfig"},
	{"LLMFactoryConfig", "LlmServiceConfig"},
	{"TTSFactoryConfig", "TtsServiceConfig"},
	// API response types
	{"SessionInfo", ""},
	{"LogEntry", ""},
}

// requiredFields lists struct+field combos emitted without the "?" suffix.
// Everything else is optional because the Go side applies defaults and the
// JSON only carries overrides. These are identity fields that are always
// present at runtime.
var requiredFields = map[string]map[string]bool{
	"SessionInfo":    {"session_id": true, "started_at": true, "status": true, "log_file_size": true, "last_modified": true},
	"LogEntry":       {"ts": true, "level": true, "msg": true},
	"LLMMessage":     {"role": true, "message": true},
	"ContextMessage": {"role": true, "message": true},
}

// urlIsSecret marks structs whose "url" field carries credentials and must
// never reach the UI. For others, like SessionAPIConfig, url is user-facing.
var urlIsSecret = map[string]bool{
	"LiveKitProviderConfig": true,
}

var primitiveTS = map[string]string{
	"string":                 "string",
	"int":                    "number",
	"int8":                   "number",
	"int16":                  "number",
	"int32":                  "number",
	"int64":                  "number",
	"uint":                   "number",
	"uint8":                  "number",
	"uint16":                 "number",
	"uint32":                 "number",
	"uint64":                 "number",
	"float32":                "number",
	"float64":                "number",
	"bool":                   "boolean",
	"any":                    "unknown",
	"interface{}":            "unknown",
	"json.RawMessage":        "unknown",
	"map[string]string":      "Record<string, string>",
	"map[string]interface{}": "Record<string, unknown>",
	"map[string]any":         "Record<string, unknown>",
}

type structDef struct {
	name   string
	fields []fieldDef
}

type fieldDef struct {
	jsonName string
	goType   string
	optional bool
}

// generator accumulates everything the source scan discovers.
type generator struct {
	structs map[string]*structDef // keyed by plain and "rel/dir:Name"
	aliases map[string]string     // named type -> underlying primitive
	consts  map[string][]string   // named type -> declared string values
	tsNames map[string]string     // Go struct name -> TS interface name
}

func newGenerator() *generator {
	g := &generator{
		structs: map[string]*structDef{},
		aliases: map[string]string{},
		consts:  map[string][]string{},
		tsNames: map[string]string{},
	}
	for _, e := range exports {
		ts := e.tsName
		if ts == "" {
			ts = e.goName
		}
		g.tsNames[e.goName] = ts
		// Also register the part after ":" so field type resolution can
		// find qualified entries by plain struct name.
		if idx := strings.LastIndex(e.goName, ":"); idx >= 0 {
			g.tsNames[e.goName[idx+1:]] = ts
		}
	}
	return g
}

func main() {
	outPath := flag.String("out", "ui/src/types/generated.ts", "output TypeScript file path")
	flag.Parse()

	root, err := os.Getwd()
	if err != nil {
		fatal("getwd: %v", err)
	}

	g := newGenerator()
	if err := g.scan(root); err != nil {
		fatal("scan: %v", err)
	}

	out := g.render()

	abs := *outPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		fatal("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, out, 0o644); err != nil {
		fatal("write: %v", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", abs, len(out))
}

// scan walks the tree and parses every non-test .go file, applying the same
// exclusion rule as the go tool for underscore and dot directories.
func (g *generator) scan(root string) error {
	skip := map[string]bool{
		"vendor":       true,
		"node_modules": true,
		"typegen":      true,
	}

	fset := token.NewFileSet()
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if skip[name] || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			return nil
		}

		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", path, err)
			return nil
		}
		relDir, _ := filepath.Rel(root, filepath.Dir(path))
		g.collect(file, relDir)
		return nil
	})
}

// collect pulls struct, alias and const declarations out of one parsed file.
func (g *generator) collect(file *ast.File, relDir string) {
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok {
			continue
		}
		switch gen.Tok {
		case token.TYPE:
			for _, spec := range gen.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				if ident, ok := ts.Type.(*ast.Ident); ok {
					// e.g. `type LLMMessageRole string`
					g.aliases[ts.Name.Name] = ident.Name
					continue
				}
				st, ok := ts.Type.(*ast.StructType)
				if !ok {
					continue
				}
				def := g.parseStruct(ts.Name.Name, st)
				g.structs[relDir+":"+ts.Name.Name] = def
				if _, taken := g.structs[ts.Name.Name]; !taken {
					g.structs[ts.Name.Name] = def
				}
			}
		case token.CONST:
			// Group declared string consts by their named type so enum-like
			// types render as TS union literals.
			for _, spec := range gen.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok || vs.Type == nil {
					continue
				}
				typeName := typeString(vs.Type)
				for _, val := range vs.Values {
					lit, ok := val.(*ast.BasicLit)
					if !ok || lit.Kind != token.STRING {
						continue
					}
					g.consts[typeName] = append(g.consts[typeName], strings.Trim(lit.Value, "\""))
				}
			}
		}
	}
}

func (g *generator) parseStruct(name string, st *ast.StructType) *structDef {
	def := &structDef{name: name}
	for _, field := range st.Fields.List {
		if field.Tag == nil {
			continue
		}
		tag := reflect.StructTag(strings.Trim(field.Tag.Value, "`"))
		jsonTag := tag.Get("json")
		parts := strings.Split(jsonTag, ",")
		jsonName := parts[0]
		if jsonName == "" || jsonName == "-" {
			continue
		}
		if hideField(name, jsonName) {
			continue
		}

		_, isPtr := field.Type.(*ast.StarExpr)
		omitempty := false
		for _, p := range parts[1:] {
			if p == "omitempty" {
				omitempty = true
			}
		}

		def.fields = append(def.fields, fieldDef{
			jsonName: jsonName,
			goType:   typeString(field.Type),
			optional: omitempty || isPtr,
		})
	}
	return def
}

// hideField excludes credentials from the generated types.
func hideField(structName, jsonName string) bool {
	if jsonName == "api_key" || jsonName == "api_secret" {
		return true
	}
	return jsonName == "url" && urlIsSecret[structName]
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	case *ast.ArrayType:
		return "[]" + typeString(t.Elt)
	case *ast.MapType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	case *ast.InterfaceType:
		return "interface{}"
	default:
		return "unknown"
	}
}

// tsType resolves a Go type string to its TypeScript rendering.
func (g *generator) tsType(goType string) string {
	clean := strings.TrimPrefix(goType, "*")

	if ts, ok := primitiveTS[clean]; ok {
		return ts
	}
	if strings.HasPrefix(clean, "[]") {
		return g.tsType(clean[2:]) + "[]"
	}
	if strings.HasPrefix(clean, "map[") {
		return "Record<string, unknown>"
	}
	if ref, ok := g.tsNames[clean]; ok {
		return ref
	}
	// Qualified reference like core.LLMContext resolves by short name.
	if idx := strings.LastIndex(clean, "."); idx >= 0 {
		clean = clean[idx+1:]
		if ref, ok := g.tsNames[clean]; ok {
			return ref
		}
	}
	if vals := g.consts[clean]; len(vals) > 0 {
		return unionLiteral(vals)
	}
	if underlying, ok := g.aliases[clean]; ok {
		return g.tsType(underlying)
	}
	return "unknown"
}

// unionLiteral renders string values as a TS union, e.g. 'user' | 'assistant'.
func unionLiteral(vals []string) string {
	seen := map[string]bool{}
	quoted := make([]string, 0, len(vals))
	for _, v := range vals {
		if seen[v] {
			continue
		}
		seen[v] = true
		quoted = append(quoted, "'"+v+"'")
	}
	return strings.Join(quoted, " | ")
}

func (g *generator) render() []byte {
	var buf bytes.Buffer
	buf.WriteString("// Code generated by cmd/typegen; DO NOT EDIT.\n")
	buf.WriteString("// Source: Go structs from core/, handlers/, factories/, services/\n")
	buf.WriteString("//\n")
	buf.WriteString("// Regenerate: go run ./cmd/typegen -out ui/src/types/generated.ts\n\n")

	for _, e := range exports {
		def, ok := g.structs[e.goName]
		if !ok {
			fmt.Fprintf(os.Stderr, "warning: struct %q not found, skipping\n", e.goName)
			continue
		}
		g.writeInterface(&buf, e, def)
	}

	buf.WriteString("// --- API response types (not generated from Go structs) ---\n\n")
	buf.WriteString(`export interface StatusResponse {
  running: boolean
  pid: number
}

export type ApiKeys = Record<string, string>
`)
	return buf.Bytes()
}

func (g *generator) writeInterface(buf *bytes.Buffer, e entry, def *structDef) {
	tsName := g.tsNames[e.goName]
	required := requiredFields[e.goName]
	if required == nil {
		required = requiredFields[tsName]
	}

	fmt.Fprintf(buf, "/** Generated from Go struct: %s */\n", e.goName)
	fmt.Fprintf(buf, "export interface %s {\n", tsName)
	for _, f := range def.fields {
		opt := "?"
		if required[f.jsonName] {
			opt = ""
		}
		fmt.Fprintf(buf, "  %s%s: %s\n", f.jsonName, opt, g.tsType(f.goType))
	}
	buf.WriteString("}\n\n")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "typegen: "+format+"\n", args...)
	os.Exit(1)
}
