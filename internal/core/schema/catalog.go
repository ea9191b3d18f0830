package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const (
	TreeTrip           = "trip"
	TreeRecommendation = "recommendation"
)

//go:embed definitions/*.yaml ruledoc.schema.json
var definitionsFS embed.FS

// document is one rule definition file.
type document struct {
	Name      string `yaml:"name"`
	Version   int    `yaml:"version"`
	Fragments []Rule `yaml:"fragments"`
	Root      *Rule  `yaml:"root"`
}

// Catalog holds the compiled rule trees for every submission kind.
type Catalog struct {
	trees map[string]*Tree
}

// Tree returns the compiled tree registered under name.
func (c *Catalog) Tree(name string) (*Tree, error) {
	t, ok := c.trees[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTree, name)
	}
	return t, nil
}

// Names lists the registered trees in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.trees))
	for name := range c.trees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadCatalog compiles the built-in rule definitions.
func LoadCatalog() (*Catalog, error) {
	defs, err := fs.Sub(definitionsFS, "definitions")
	if err != nil {
		return nil, fmt.Errorf("open definitions: %w", err)
	}
	return LoadCatalogFS(defs)
}

// LoadCatalogFS reads every *.yaml document in fsys, checks it against the
// rule document meta-schema and compiles the trees. Fragments are shared
// across documents.
func LoadCatalogFS(fsys fs.FS) (*Catalog, error) {
	meta, err := compileMetaSchema()
	if err != nil {
		return nil, fmt.Errorf("compile rule meta-schema: %w", err)
	}

	files, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	sort.Strings(files)

	fragments := make(map[string]Rule)
	var docs []document
	for _, file := range files {
		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		doc, err := parseDocument(meta, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(file), err)
		}
		for _, frag := range doc.Fragments {
			if _, dup := fragments[frag.Name]; dup {
				return nil, fmt.Errorf("%s: %w: fragment %q", path.Base(file), ErrDuplicateDef, frag.Name)
			}
			fragments[frag.Name] = frag
		}
		docs = append(docs, doc)
	}

	catalog := &Catalog{trees: make(map[string]*Tree)}
	for _, doc := range docs {
		if doc.Root == nil {
			continue
		}
		if _, dup := catalog.trees[doc.Name]; dup {
			return nil, fmt.Errorf("%w: tree %q", ErrDuplicateDef, doc.Name)
		}
		tree, err := Compile(doc.Name, *doc.Root, fragments)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", doc.Name, err)
		}
		catalog.trees[doc.Name] = tree
	}
	return catalog, nil
}

func parseDocument(meta *santhosh.Schema, raw []byte) (document, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return document{}, fmt.Errorf("parse yaml: %w", err)
	}
	// Round-trip through JSON so the meta-schema sees plain JSON types.
	encoded, err := json.Marshal(generic)
	if err != nil {
		return document{}, fmt.Errorf("encode yaml as json: %w", err)
	}
	var instance any
	if err := json.Unmarshal(encoded, &instance); err != nil {
		return document{}, fmt.Errorf("decode json: %w", err)
	}
	if err := meta.Validate(instance); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return document{}, fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(collectValidationErrors(ve), "; "))
		}
		return document{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("decode rule document: %w", err)
	}
	return doc, nil
}

func compileMetaSchema() (*santhosh.Schema, error) {
	schemaJSON, err := definitionsFS.ReadFile("ruledoc.schema.json")
	if err != nil {
		return nil, err
	}
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("ruledoc.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("ruledoc.schema.json")
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		msgs = append(msgs, loc+": "+ve.Message)
	}
	return msgs
}
