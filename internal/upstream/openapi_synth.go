package upstream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"
)

// methodOrder fixes the iteration order of operations within a path item so
// that collision suffixes are assigned deterministically.
var methodOrder = []string{"GET", "PUT", "POST", "DELETE", "OPTIONS", "HEAD", "PATCH", "TRACE"}

// restOperation describes a single HTTP operation derived from an OpenAPI
// document, carrying everything needed to advertise it as an MCP tool and
// to translate a tool call back into an HTTP request.
type restOperation struct {
	Name        string
	Method      string
	Path        string
	Description string

	PathParams   []*openapi3.Parameter
	QueryParams  []*openapi3.Parameter
	HeaderParams []*openapi3.Parameter

	HasBody      bool
	BodyRequired bool

	InputSchema mcp.ToolInputSchema
}

// Tool converts the operation into its MCP tool advertisement.
func (o *restOperation) Tool() mcp.Tool {
	return mcp.Tool{
		Name:        o.Name,
		Description: o.Description,
		InputSchema: o.InputSchema,
	}
}

// synthesizeOperations derives one tool per HTTP operation in the document.
// Paths are visited in lexical order and methods in a fixed order so that
// generated names are stable across restarts.
func synthesizeOperations(doc *openapi3.T) ([]*restOperation, error) {
	if doc.Paths == nil {
		return nil, nil
	}

	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	used := make(map[string]bool)
	var ops []*restOperation

	for _, path := range paths {
		item := pathMap[path]
		if item == nil {
			continue
		}
		byMethod := item.Operations()
		for _, method := range methodOrder {
			op, ok := byMethod[method]
			if !ok || op == nil {
				continue
			}
			rest, err := buildOperation(method, path, item, op, used)
			if err != nil {
				return nil, err
			}
			ops = append(ops, rest)
		}
	}

	return ops, nil
}

func buildOperation(method, path string, item *openapi3.PathItem, op *openapi3.Operation, used map[string]bool) (*restOperation, error) {
	name := op.OperationID
	if name == "" {
		name = synthesizeName(method, path)
	}
	name = uniqueName(name, used)
	used[name] = true

	description := op.Description
	if description == "" {
		description = op.Summary
	}

	rest := &restOperation{
		Name:        name,
		Method:      method,
		Path:        path,
		Description: description,
	}

	properties := make(map[string]interface{})
	var required []string

	for _, param := range mergeParameters(item, op) {
		switch param.In {
		case openapi3.ParameterInPath:
			prop := map[string]interface{}{"type": "string"}
			if param.Description != "" {
				prop["description"] = param.Description
			}
			properties[param.Name] = prop
			required = append(required, param.Name)
			rest.PathParams = append(rest.PathParams, param)
		case openapi3.ParameterInQuery:
			schema := schemaToMap(param.Schema)
			if schema == nil {
				schema = map[string]interface{}{"type": "string"}
			}
			if param.Description != "" {
				if _, ok := schema["description"]; !ok {
					schema["description"] = param.Description
				}
			}
			properties[param.Name] = schema
			if param.Required {
				required = append(required, param.Name)
			}
			rest.QueryParams = append(rest.QueryParams, param)
		case openapi3.ParameterInHeader:
			rest.HeaderParams = append(rest.HeaderParams, param)
		}
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if mt := op.RequestBody.Value.Content.Get("application/json"); mt != nil {
			bodySchema := schemaToMap(mt.Schema)
			if bodySchema == nil {
				bodySchema = map[string]interface{}{"type": "object"}
			}
			properties["body"] = bodySchema
			rest.HasBody = true
			rest.BodyRequired = op.RequestBody.Value.Required
			if rest.BodyRequired {
				required = append(required, "body")
			}
		}
	}

	rest.InputSchema = mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}

	return rest, nil
}

// synthesizeName builds a tool name from the HTTP method and path when the
// operation has no operationId. Path parameter placeholders are dropped and
// each remaining segment is reduced to its alphanumeric characters. The
// bare root path becomes "root".
func synthesizeName(method, path string) string {
	parts := []string{strings.ToLower(method)}

	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		if strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
			continue
		}
		if cleaned := sanitizeSegment(segment); cleaned != "" {
			parts = append(parts, cleaned)
		}
	}

	if len(parts) == 1 {
		parts = append(parts, "root")
	}

	return strings.Join(parts, "_")
}

func sanitizeSegment(segment string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(segment) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// uniqueName resolves collisions by appending the smallest positive integer
// that yields an unused name.
func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		return name
	}
	for i := 1; ; i++ {
		candidate := name + strconv.Itoa(i)
		if !used[candidate] {
			return candidate
		}
	}
}

// mergeParameters combines path-item level parameters with operation level
// ones. An operation parameter replaces a path-item parameter with the same
// name and location.
func mergeParameters(item *openapi3.PathItem, op *openapi3.Operation) []*openapi3.Parameter {
	var merged []*openapi3.Parameter
	index := make(map[string]int)

	add := func(refs openapi3.Parameters) {
		for _, ref := range refs {
			if ref == nil || ref.Value == nil {
				continue
			}
			key := ref.Value.In + ":" + ref.Value.Name
			if i, ok := index[key]; ok {
				merged[i] = ref.Value
				continue
			}
			index[key] = len(merged)
			merged = append(merged, ref.Value)
		}
	}

	add(item.Parameters)
	add(op.Parameters)

	return merged
}

// schemaToMap renders a schema reference as plain JSON data. Returns nil
// when the reference is empty or cannot be rendered.
func schemaToMap(ref *openapi3.SchemaRef) map[string]interface{} {
	if ref == nil || ref.Value == nil {
		return nil
	}

	data, err := json.Marshal(ref.Value)
	if err != nil {
		return nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}

	return m
}

// loadOpenAPIDocument parses and validates an OpenAPI document from raw
// bytes. JSON and YAML are both accepted.
func loadOpenAPIDocument(data []byte) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}

	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	return doc, nil
}
