// =============================================================================
// Gateway Configuration Persistence
// =============================================================================
// Writes admin-driven changes to the provider/model bindings table back to
// the on-disk configuration document, leaving the server/log/telemetry
// sections untouched. Grounded on the same *yaml.Node manipulation used by
// registry.Document's MarshalYAML, since a plain yaml.Marshal(Config{})
// would drop api_provider/model_config (tagged yaml:"-") and would not
// preserve unrelated top-level sections it doesn't know about.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/newrey/llm-gateway/internal/registry"
)

var persistMu sync.Mutex

// PersistDocument rewrites the api_provider and model_config sections of
// the configuration file at path, leaving any other top-level sections
// (server, log, telemetry) untouched. Writes are serialized by a package
// mutex and land via a temp-file rename so a crash mid-write can't leave a
// truncated config behind.
func PersistDocument(path string, doc registry.Document) error {
	persistMu.Lock()
	defer persistMu.Unlock()

	var root yaml.Node
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(existing, &root); err != nil {
			return fmt.Errorf("parse existing config: %w", err)
		}
	case os.IsNotExist(err):
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	default:
		return fmt.Errorf("read existing config: %w", err)
	}

	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			root.Content = []*yaml.Node{{Kind: yaml.MappingNode}}
		}
	} else {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{&root}}
	}
	mapping := root.Content[0]

	docYAML, err := doc.MarshalYAML()
	if err != nil {
		return fmt.Errorf("encode gateway document: %w", err)
	}
	docNode, ok := docYAML.(*yaml.Node)
	if !ok {
		return fmt.Errorf("unexpected document encoding")
	}

	replacements := map[string]*yaml.Node{}
	for i := 0; i+1 < len(docNode.Content); i += 2 {
		replacements[docNode.Content[i].Value] = docNode.Content[i+1]
	}

	for key, val := range replacements {
		found := false
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			if mapping.Content[i].Value == key {
				mapping.Content[i+1] = val
				found = true
				break
			}
		}
		if !found {
			mapping.Content = append(mapping.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key}, val)
		}
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}
