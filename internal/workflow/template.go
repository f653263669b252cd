// Package workflow loads declarative node-graph documents and injects
// user parameters into well-known node kinds, producing the backend-ready
// payload. Adapted from the teacher's dag_engine.go node-graph handling,
// generalized from a dependency DAG down to the spec's flat kind-addressed
// injection contract.
package workflow

import (
	"encoding/json"
	"fmt"
)

// Node is the normalized in-memory shape of one workflow node: a kind tag
// plus its key/value inputs.
type Node struct {
	Kind   string         `json:"kind"`
	Inputs map[string]any `json:"inputs"`
}

// Document is a normalized workflow: node id (string) -> Node.
type Document map[string]*Node

// rawNode is the on-disk shape of a single node, accepting either "kind"
// or "type" (the latter copied into Kind when "kind" is absent), plus an
// optional explicit "id" used only by the array document shape.
type rawNode struct {
	ID     any            `json:"id,omitempty"`
	Kind   string         `json:"kind,omitempty"`
	Type   string         `json:"type,omitempty"`
	Inputs map[string]any `json:"inputs"`
}

// Loaded is a normalized Document plus the node visitation order recorded
// while parsing. The order matters because InjectParams' first/subsequent
// text-encoder rule is document-order sensitive and Go maps have no
// stable iteration order of their own.
type Loaded struct {
	Document Document
	Order    []string
}

// Load parses raw workflow JSON in either accepted on-disk shape:
// (a) an array of nodes each with an explicit "id" and "kind"/"type", or
// (b) an object mapping node id to a node-with-kind. Both are normalized
// to the same in-memory Document.
func Load(raw []byte) (Loaded, error) {
	var asArray []rawNode
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return loadArray(asArray)
	}

	var asMap map[string]rawNode
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return loadMap(asMap)
	}

	return Loaded{}, fmt.Errorf("workflow: unrecognized document shape")
}

func loadArray(nodes []rawNode) (Loaded, error) {
	doc := make(Document, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == nil {
			return Loaded{}, fmt.Errorf("workflow: array node missing id")
		}
		id := fmt.Sprintf("%v", n.ID)
		doc[id] = toNode(n)
		order = append(order, id)
	}
	return Loaded{Document: doc, Order: order}, nil
}

// loadMap normalizes the id-keyed shape. JSON objects carry no ordering
// of their own, so ids are sorted to give a deterministic, repeatable
// injection order; ComfyUI's own exported workflows use numeric-string
// ids, so a lexical sort on same-length ids matches numeric order too.
func loadMap(nodes map[string]rawNode) (Loaded, error) {
	doc := make(Document, len(nodes))
	order := make([]string, 0, len(nodes))
	for id, n := range nodes {
		doc[id] = toNode(n)
		order = append(order, id)
	}
	sortNodeIDs(order)
	return Loaded{Document: doc, Order: order}, nil
}

func toNode(n rawNode) *Node {
	kind := n.Kind
	if kind == "" {
		kind = n.Type
	}
	inputs := make(map[string]any, len(n.Inputs))
	for k, v := range n.Inputs {
		inputs[k] = v
	}
	return &Node{Kind: kind, Inputs: inputs}
}

func sortNodeIDs(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// Clone returns a copy of the document with fresh Node records and fresh
// inputs maps. Nested input values (slices, maps) are not copied; the
// clone shares them with d. InjectParams never mutates the caller's
// document: it works on a clone and only replaces top-level input values.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for id, n := range d {
		inputs := make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = v
		}
		out[id] = &Node{Kind: n.Kind, Inputs: inputs}
	}
	return out
}

// Node kinds recognized by InjectParams.
const (
	KindTextEncoder  = "text-encoder"
	KindSampler      = "sampler"
	KindEmptyLatent  = "empty-latent"
	KindLoadImage    = "load-image"
	KindDenoiseCarry = "denoise-strength-carrier"
)

// InjectParams returns a Clone of doc with params injected into the
// well-known node kinds, visiting nodes in order. The first text-encoder
// encountered receives "prompt"; every subsequent one receives
// "negative_prompt". Missing params leave the underlying inputs untouched.
func InjectParams(doc Document, order []string, params map[string]any) Document {
	out := doc.Clone()
	sawTextEncoder := false

	for _, id := range order {
		n, ok := out[id]
		if !ok {
			continue
		}
		switch n.Kind {
		case KindTextEncoder:
			if !sawTextEncoder {
				sawTextEncoder = true
				if v, ok := params["prompt"]; ok {
					n.Inputs["text"] = v
				}
			} else if v, ok := params["negative_prompt"]; ok {
				n.Inputs["text"] = v
			}
		case KindSampler:
			injectIfPresent(n.Inputs, params, "steps", "steps")
			injectAliased(n.Inputs, params, "cfg", "cfg_scale", "cfg")
			injectAliased(n.Inputs, params, "denoise", "denoising_strength", "denoise")
		case KindEmptyLatent:
			injectIfPresent(n.Inputs, params, "width", "width")
			injectIfPresent(n.Inputs, params, "height", "height")
		case KindLoadImage:
			injectIfPresent(n.Inputs, params, "image_path", "image")
		case KindDenoiseCarry:
			injectIfPresent(n.Inputs, params, "denoising_strength", "denoising_strength")
		}
	}
	return out
}

// injectIfPresent copies params[paramKey] into inputs[inputKey], but only
// when the input slot already exists on the node (never adds new slots).
func injectIfPresent(inputs, params map[string]any, paramKey, inputKey string) {
	if _, has := inputs[inputKey]; !has {
		return
	}
	if v, ok := params[paramKey]; ok {
		inputs[inputKey] = v
	}
}

// injectAliased handles params that may arrive under either of two keys
// (e.g. "cfg" or "cfg_scale"), preferring primaryKey.
func injectAliased(inputs, params map[string]any, inputKey, primaryKey, fallbackKey string) {
	if _, has := inputs[inputKey]; !has {
		return
	}
	if v, ok := params[primaryKey]; ok {
		inputs[inputKey] = v
		return
	}
	if v, ok := params[fallbackKey]; ok {
		inputs[inputKey] = v
	}
}
