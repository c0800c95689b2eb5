package source

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/store"
)

// stackManifest is one stack document as authored in a source. Exactly one
// of compose (inline template) and composeFile (path relative to the
// manifest) must be set.
type stackManifest struct {
	Name        string             `yaml:"name"`
	Version     string             `yaml:"version"`
	Compose     string             `yaml:"compose"`
	ComposeFile string             `yaml:"composeFile"`
	Variables   []variableManifest `yaml:"variables"`
}

// variableManifest declares one configurable value of a stack.
type variableManifest struct {
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Group    string   `yaml:"group"`
	Required bool     `yaml:"required"`
	Default  string   `yaml:"default"`
	Kind     string   `yaml:"kind"`
	Options  []string `yaml:"options"`
}

// productManifest bundles stacks under a product identity. Stack references
// are "name" for a single published version or "name@version" to pin one.
type productManifest struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Stacks  []string `yaml:"stacks"`
}

// productsManifest is the optional products.yaml document at the root of a
// directory source.
type productsManifest struct {
	Products []productManifest `yaml:"products"`
}

// catalogManifest is the single document served by a Catalog source.
type catalogManifest struct {
	Stacks   []stackManifest   `yaml:"stacks"`
	Products []productManifest `yaml:"products"`
}

func parseStackManifest(origin string, data []byte) (stackManifest, error) {
	var mf stackManifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return stackManifest{}, errdefs.Validation("%s: %v", origin, err)
	}
	return mf, nil
}

func parseProductsManifest(origin string, data []byte) ([]productManifest, error) {
	var doc productsManifest
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Validation("%s: %v", origin, err)
	}
	return doc.Products, nil
}

func parseCatalogManifest(origin string, data []byte) (catalogManifest, error) {
	var doc catalogManifest
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return catalogManifest{}, errdefs.Validation("%s: %v", origin, err)
	}
	return doc, nil
}

// catalogID builds the stable id of a published definition or product.
// Ids are deterministic so a re-sync keeps existing references valid.
func catalogID(sourceID, name, version string) string {
	return sourceID + "/" + name + "@" + version
}

// definition validates the manifest and converts it into a publishable
// StackDefinition. The template is outlined, not fully planned: variables
// are still unrendered at sync time.
func (m stackManifest) definition(sourceID string) (store.StackDefinition, error) {
	if strings.TrimSpace(m.Name) == "" {
		return store.StackDefinition{}, errdefs.Validation("stack manifest has no name")
	}
	if strings.TrimSpace(m.Version) == "" {
		return store.StackDefinition{}, errdefs.Validation("stack %s has no version", m.Name)
	}
	if strings.TrimSpace(m.Compose) == "" {
		return store.StackDefinition{}, errdefs.Validation("stack %s has no compose template", m.Name)
	}

	services, inits, err := plan.Outline(m.Compose)
	if err != nil {
		return store.StackDefinition{}, fmt.Errorf("stack %s: %w", m.Name, err)
	}

	def := store.StackDefinition{
		ID:              catalogID(sourceID, m.Name, m.Version),
		SourceID:        sourceID,
		Name:            m.Name,
		Version:         m.Version,
		ComposeTemplate: m.Compose,
		Services:        services,
		InitContainers:  inits,
	}
	for _, vm := range m.Variables {
		v, err := vm.variable(m.Name)
		if err != nil {
			return store.StackDefinition{}, err
		}
		def.Variables = append(def.Variables, v)
	}
	return def, nil
}

// variable validates and converts one declared variable. Kind defaults to
// text.
func (vm variableManifest) variable(stack string) (store.Variable, error) {
	if strings.TrimSpace(vm.Name) == "" {
		return store.Variable{}, errdefs.Validation("stack %s declares a variable with no name", stack)
	}
	kind := store.VariableKind(vm.Kind)
	switch kind {
	case "":
		kind = store.VarText
	case store.VarText, store.VarSecret, store.VarBool, store.VarNumber:
	case store.VarEnum:
		if len(vm.Options) == 0 {
			return store.Variable{}, errdefs.Validation("stack %s: enum variable %s has no options", stack, vm.Name)
		}
	default:
		return store.Variable{}, errdefs.Validation("stack %s: variable %s has unknown kind %q", stack, vm.Name, vm.Kind)
	}
	return store.Variable{
		Name:         vm.Name,
		Label:        vm.Label,
		Group:        vm.Group,
		IsRequired:   vm.Required,
		DefaultValue: vm.Default,
		Kind:         kind,
		Options:      vm.Options,
	}, nil
}

// product resolves its stack references against the definitions published in
// the same sync.
func (m productManifest) product(sourceID string, byName map[string][]store.StackDefinition) (store.Product, error) {
	if strings.TrimSpace(m.Name) == "" {
		return store.Product{}, errdefs.Validation("product manifest has no name")
	}
	if strings.TrimSpace(m.Version) == "" {
		return store.Product{}, errdefs.Validation("product %s has no version", m.Name)
	}
	if len(m.Stacks) == 0 {
		return store.Product{}, errdefs.Validation("product %s lists no stacks", m.Name)
	}

	ids := make([]string, 0, len(m.Stacks))
	for _, ref := range m.Stacks {
		name, version, pinned := strings.Cut(ref, "@")
		defs := byName[name]
		if len(defs) == 0 {
			return store.Product{}, errdefs.Validation("product %s references unknown stack %q", m.Name, name)
		}
		if !pinned {
			if len(defs) > 1 {
				return store.Product{}, errdefs.Validation("product %s: stack %q has %d versions, pin one as name@version", m.Name, name, len(defs))
			}
			ids = append(ids, defs[0].ID)
			continue
		}
		id := ""
		for _, def := range defs {
			if def.Version == version {
				id = def.ID
				break
			}
		}
		if id == "" {
			return store.Product{}, errdefs.Validation("product %s references unknown version %s@%s", m.Name, name, version)
		}
		ids = append(ids, id)
	}

	return store.Product{
		ID:                 catalogID(sourceID, m.Name, m.Version),
		SourceID:           sourceID,
		Name:               m.Name,
		Version:            m.Version,
		StackDefinitionIDs: ids,
	}, nil
}
