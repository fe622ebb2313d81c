package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// LimitsDoc is the YAML/JSON shape of a provider's limits submap.
type LimitsDoc struct {
	RPM *int `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	TPM *int `yaml:"tpm,omitempty" json:"tpm,omitempty"`
	RPD *int `yaml:"rpd,omitempty" json:"rpd,omitempty"`
	TPR *int `yaml:"tpr,omitempty" json:"tpr,omitempty"`
}

// ProviderDoc is the YAML/JSON shape of one api_provider entry.
type ProviderDoc struct {
	BaseURL string    `yaml:"base_url" json:"base_url"`
	APIKey  string    `yaml:"api_key" json:"api_key,omitempty"`
	Limits  LimitsDoc `yaml:"limits" json:"limits"`
}

// BindingDoc is the YAML/JSON shape of one model_config[model][provider]
// entry.
type BindingDoc struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Alias  string `yaml:"alias,omitempty" json:"alias,omitempty"`
}

// ModelEntry is a model's provider bindings, with Order preserving the
// document's original key order: that order is the failover priority a
// request's bindings are tried in, so losing it would silently change
// which provider gets picked first.
type ModelEntry struct {
	Order   []string
	Entries map[string]BindingDoc
}

// Document is the full configuration document shape:
//
//	api_provider:
//	  <provider-id>: {base_url, api_key, limits}
//	model_config:
//	  <model-name>:
//	    <provider-id>: {enable, alias}
//
// model_config preserves YAML key order (model names and each model's
// providers) via manual yaml.Node decoding, since Go maps do not, and the
// binding list's order is load-bearing. api_provider is decoded into a
// plain map, so its key order is not kept.
type Document struct {
	APIProvider map[string]ProviderDoc
	ModelOrder  []string
	ModelConfig map[string]ModelEntry
}

// UnmarshalYAML decodes the document while preserving the insertion order
// of model_config's keys and of each model's provider keys.
func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config document: expected mapping, got kind %d", node.Kind)
	}

	d.APIProvider = map[string]ProviderDoc{}
	d.ModelConfig = map[string]ModelEntry{}

	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "api_provider":
			if err := decodeAPIProviders(val, d.APIProvider); err != nil {
				return err
			}
		case "model_config":
			order, entries, err := decodeModelConfig(val)
			if err != nil {
				return err
			}
			d.ModelOrder = order
			d.ModelConfig = entries
		}
	}
	return nil
}

func decodeAPIProviders(node *yaml.Node, out map[string]ProviderDoc) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("api_provider: expected mapping")
	}
	for i := 0; i < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var p ProviderDoc
		if err := node.Content[i+1].Decode(&p); err != nil {
			return fmt.Errorf("api_provider.%s: %w", id, err)
		}
		out[id] = p
	}
	return nil
}

func decodeModelConfig(node *yaml.Node) ([]string, map[string]ModelEntry, error) {
	if node.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("model_config: expected mapping")
	}
	order := make([]string, 0, len(node.Content)/2)
	entries := make(map[string]ModelEntry, len(node.Content)/2)

	for i := 0; i < len(node.Content); i += 2 {
		model := node.Content[i].Value
		providersNode := node.Content[i+1]
		if providersNode.Kind != yaml.MappingNode {
			return nil, nil, fmt.Errorf("model_config.%s: expected mapping", model)
		}

		providerOrder := make([]string, 0, len(providersNode.Content)/2)
		bindingMap := make(map[string]BindingDoc, len(providersNode.Content)/2)
		for j := 0; j < len(providersNode.Content); j += 2 {
			pid := providersNode.Content[j].Value
			b := BindingDoc{Enable: true}
			if err := providersNode.Content[j+1].Decode(&b); err != nil {
				return nil, nil, fmt.Errorf("model_config.%s.%s: %w", model, pid, err)
			}
			providerOrder = append(providerOrder, pid)
			bindingMap[pid] = b
		}

		order = append(order, model)
		entries[model] = ModelEntry{Order: providerOrder, Entries: bindingMap}
	}
	return order, entries, nil
}

// MarshalYAML reproduces the document shape for config writes. model_config's
// provider order is load-bearing (failover priority), so it is rebuilt as an
// explicit *yaml.Node mapping rather than a Go map, which yaml.v3 would
// otherwise re-sort alphabetically on encode.
func (d Document) MarshalYAML() (interface{}, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	apiProviderNode := &yaml.Node{Kind: yaml.MappingNode}
	for id, p := range d.APIProvider {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: id}
		var valNode yaml.Node
		if err := valNode.Encode(p); err != nil {
			return nil, fmt.Errorf("encode api_provider.%s: %w", id, err)
		}
		apiProviderNode.Content = append(apiProviderNode.Content, keyNode, &valNode)
	}

	modelConfigNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, model := range d.ModelOrder {
		entry := d.ModelConfig[model]
		bindingsNode := &yaml.Node{Kind: yaml.MappingNode}
		for _, pid := range entry.Order {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: pid}
			var valNode yaml.Node
			if err := valNode.Encode(entry.Entries[pid]); err != nil {
				return nil, fmt.Errorf("encode model_config.%s.%s: %w", model, pid, err)
			}
			bindingsNode.Content = append(bindingsNode.Content, keyNode, &valNode)
		}
		modelKeyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: model}
		modelConfigNode.Content = append(modelConfigNode.Content, modelKeyNode, bindingsNode)
	}

	root.Content = []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "api_provider"}, apiProviderNode,
		{Kind: yaml.ScalarNode, Value: "model_config"}, modelConfigNode,
	}
	return root, nil
}

// MarshalJSON flattens a ModelEntry into a plain {provider: binding, ...}
// JSON object, preserving Order by writing keys in that sequence.
func (m ModelEntry) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pid := range m.Order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(pid)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.Entries[pid])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a {provider: binding, ...} object into a
// ModelEntry, preserving the JSON object's key order via a token-based
// scan (encoding/json's map decoding does not preserve key order).
func (m *ModelEntry) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("model entry: expected object")
	}

	order := make([]string, 0)
	entries := make(map[string]BindingDoc)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		pid, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("model entry: expected string key")
		}
		var b BindingDoc
		if err := dec.Decode(&b); err != nil {
			return fmt.Errorf("model entry.%s: %w", pid, err)
		}
		order = append(order, pid)
		entries[pid] = b
	}
	m.Order = order
	m.Entries = entries
	return nil
}

// MarshalJSON emits the document as
// {"api_provider": {...}, "model_config": {...}} with model_config's
// provider order preserved per model via ModelEntry's own MarshalJSON.
func (d Document) MarshalJSON() ([]byte, error) {
	modelConfig := make(map[string]ModelEntry, len(d.ModelOrder))
	for _, model := range d.ModelOrder {
		modelConfig[model] = d.ModelConfig[model]
	}
	return json.Marshal(struct {
		APIProvider map[string]ProviderDoc `json:"api_provider"`
		ModelConfig map[string]ModelEntry  `json:"model_config"`
	}{
		APIProvider: d.APIProvider,
		ModelConfig: modelConfig,
	})
}

// UnmarshalJSON decodes a document posted to the admin config endpoint.
// The order of model_config's model names is recovered by
// restoreModelOrderFromJSON, and the per-model provider order by
// ModelEntry.UnmarshalJSON; api_provider's key order is not kept.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw struct {
		APIProvider map[string]ProviderDoc `json:"api_provider"`
		ModelConfig map[string]ModelEntry  `json:"model_config"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	order := make([]string, 0, len(raw.ModelConfig))
	for model := range raw.ModelConfig {
		order = append(order, model)
	}
	if err := restoreModelOrderFromJSON(data, &order); err != nil {
		return err
	}

	d.APIProvider = raw.APIProvider
	d.ModelConfig = raw.ModelConfig
	d.ModelOrder = order
	return nil
}

// restoreModelOrderFromJSON re-scans the raw JSON to recover model_config's
// top-level key order, which json.Unmarshal into a map does not preserve.
func restoreModelOrderFromJSON(data []byte, order *[]string) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}
	raw, ok := top["model_config"]
	if !ok {
		*order = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("model_config: expected object")
	}
	seen := make([]string, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("model_config: expected string key")
		}
		seen = append(seen, key)
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return err
		}
	}
	*order = seen
	return nil
}
