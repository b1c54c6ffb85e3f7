// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphyaml reads and writes graph.Graph descriptions in YAML.
//
// The format lists the nodes in insertion order, each with its operator name, dtype, inputs and attributes,
// followed by the terminal outputs:
//
//	name: dense
//	nodes:
//	  - {name: x, op: Placeholder, dtype: float32, shape: [8, 16]}
//	  - {name: w, op: Const, dtype: float32, shape: [16, 4], value: [...]}
//	  - name: mm
//	    op: MatMul
//	    inputs: [x, w]
//	    attrs: {transpose_a: false}
//	outputs: [mm]
//
// Inputs are "node" or "node:slot". Attribute kinds are inferred from the YAML values: bool, int, float,
// string, list of ints and list of strings. A shape attribute is written as a mapping {shape: [dims...]}.
// An empty list reads as a list of ints, unless it is tagged "!strings []" or it is the fused_ops attribute.
package graphyaml

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/support/sets"
)

type graphDoc struct {
	Name    string    `yaml:"name,omitempty"`
	Nodes   []nodeDoc `yaml:"nodes"`
	Outputs []string  `yaml:"outputs,flow"`
}

type nodeDoc struct {
	Name   string               `yaml:"name"`
	Op     string               `yaml:"op"`
	DType  string               `yaml:"dtype,omitempty"`
	Shape  *[]int               `yaml:"shape,omitempty,flow"`
	Value  []float64            `yaml:"value,omitempty,flow"`
	Inputs []string             `yaml:"inputs,omitempty,flow"`
	Attrs  map[string]yaml.Node `yaml:"attrs,omitempty"`
}

// LoadFile reads the graph description from the given file.
func LoadFile(path string) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open graph file %q", path)
	}
	defer func() { _ = f.Close() }()
	g, err := Load(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "graph file %q", path)
	}
	return g, nil
}

// Load reads a graph description.
func Load(r io.Reader) (*graph.Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read graph description")
	}
	return Parse(data)
}

// Parse a graph description.
func Parse(data []byte) (*graph.Graph, error) {
	var doc graphDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph description")
	}
	g := graph.NewGraph(doc.Name)
	for ii, nd := range doc.Nodes {
		node, err := nd.toNode()
		if err != nil {
			return nil, errors.WithMessagef(err, "node #%d (%q)", ii, nd.Name)
		}
		if err = g.AddNode(node); err != nil {
			return nil, err
		}
	}
	outputs := make([]graph.Output, len(doc.Outputs))
	for ii, name := range doc.Outputs {
		output, err := ParseOutput(name)
		if err != nil {
			return nil, errors.WithMessagef(err, "outputs[%d]", ii)
		}
		outputs[ii] = output
	}
	if err := g.SetOutputs(outputs...); err != nil {
		return nil, err
	}
	return g, nil
}

// ParseOutput parses "node" or "node:slot".
func ParseOutput(s string) (graph.Output, error) {
	name, slotStr, found := strings.Cut(s, ":")
	if name == "" {
		return graph.Output{}, errors.Errorf("invalid output reference %q", s)
	}
	if !found {
		return graph.Output{Node: name}, nil
	}
	slot, err := strconv.Atoi(slotStr)
	if err != nil || slot < 0 {
		return graph.Output{}, errors.Errorf("invalid output slot in %q", s)
	}
	return graph.Output{Node: name, Slot: slot}, nil
}

func (nd nodeDoc) toNode() (*graph.Node, error) {
	if nd.Name == "" || nd.Op == "" {
		return nil, errors.New("nodes require a name and an op")
	}
	dtype := dtypes.Float32
	if nd.DType != "" {
		var err error
		if dtype, err = dtypes.FromName(nd.DType); err != nil {
			return nil, err
		}
	}
	inputs := make([]graph.Output, len(nd.Inputs))
	for ii, s := range nd.Inputs {
		input, err := ParseOutput(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "inputs[%d]", ii)
		}
		inputs[ii] = input
	}
	node := graph.NewNode(nd.Name, nd.Op, dtype, inputs...)
	if nd.Shape != nil {
		node.Shape = append([]int{}, (*nd.Shape)...)
	}
	if nd.Value != nil {
		node.Value = append([]float64{}, nd.Value...)
	}
	for key, value := range nd.Attrs {
		attr, err := decodeAttr(key, &value)
		if err != nil {
			return nil, errors.WithMessagef(err, "attribute %q", key)
		}
		node.Attrs[key] = attr
	}
	return node, nil
}

// stringsTag marks an empty list of strings, which would otherwise read back as an empty list of ints.
const stringsTag = "!strings"

// stringListKeys are the attributes that always hold a list of strings, even when written as a bare "[]".
var stringListKeys = sets.MakeWith(graph.AttrFusedOps)

func decodeAttr(key string, n *yaml.Node) (graph.AttrValue, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!bool":
			var b bool
			err := n.Decode(&b)
			return graph.BoolAttr(b), err
		case "!!int":
			var i int64
			err := n.Decode(&i)
			return graph.IntAttr(i), err
		case "!!float":
			var f float64
			err := n.Decode(&f)
			return graph.FloatAttr(f), err
		default:
			return graph.StringAttr(n.Value), nil
		}
	case yaml.SequenceNode:
		if len(n.Content) == 0 && (n.Tag == stringsTag || stringListKeys.Has(key)) {
			return graph.StringsAttr(), nil
		}
		if len(n.Content) > 0 && n.Content[0].ShortTag() == "!!str" {
			var list []string
			err := n.Decode(&list)
			return graph.StringsAttr(list...), err
		}
		var ints []int64
		if err := n.Decode(&ints); err != nil {
			return graph.AttrValue{}, errors.Wrap(err, "lists must be of ints or of strings")
		}
		return graph.IntsAttr(ints...), nil
	case yaml.MappingNode:
		var shape struct {
			Shape []int `yaml:"shape"`
		}
		if err := n.Decode(&shape); err != nil || shape.Shape == nil {
			return graph.AttrValue{}, errors.Errorf("mappings are only accepted as {shape: [dims...]}, at line %d", n.Line)
		}
		return graph.ShapeAttr(shape.Shape...), nil
	}
	return graph.AttrValue{}, errors.Errorf("unsupported attribute value at line %d", n.Line)
}

// Marshal returns the YAML description of the graph.
func Marshal(g *graph.Graph) ([]byte, error) {
	doc := graphDoc{Name: g.Name()}
	for _, node := range g.Nodes() {
		nd := nodeDoc{
			Name:  node.Name,
			Op:    node.OpName(),
			DType: strings.ToLower(node.DType.String()),
			Value: node.Value,
		}
		if node.Shape != nil {
			shape := append([]int{}, node.Shape...)
			nd.Shape = &shape
		}
		for _, input := range node.Inputs {
			nd.Inputs = append(nd.Inputs, input.String())
		}
		if len(node.Attrs) > 0 {
			nd.Attrs = make(map[string]yaml.Node, len(node.Attrs))
			for key, value := range node.Attrs {
				encoded, err := encodeAttr(value)
				if err != nil {
					return nil, errors.WithMessagef(err, "node %q attribute %q", node.Name, key)
				}
				nd.Attrs[key] = *encoded
			}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, output := range g.Outputs() {
		doc.Outputs = append(doc.Outputs, output.String())
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal graph %q", g.Name())
	}
	return data, nil
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if strings.ContainsAny(s, ".eIN") {
		return s
	}
	return s + ".0"
}

func encodeAttr(value graph.AttrValue) (*yaml.Node, error) {
	switch value.Kind() {
	case graph.AttrBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(value.Bool())}, nil
	case graph.AttrInt:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(value.Int(), 10)}, nil
	case graph.AttrFloat:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: formatFloat(value.Float())}, nil
	case graph.AttrString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value.Str()}, nil
	case graph.AttrStrings, graph.AttrInts:
		n := &yaml.Node{}
		var err error
		if value.Kind() == graph.AttrStrings {
			err = n.Encode(value.Strings())
		} else {
			err = n.Encode(value.Ints())
		}
		n.Style = yaml.FlowStyle
		if value.Kind() == graph.AttrStrings && len(value.Strings()) == 0 {
			n.Tag = stringsTag
		}
		return n, err
	case graph.AttrShape:
		n := &yaml.Node{}
		err := n.Encode(map[string][]int{"shape": value.Dims()})
		n.Style = yaml.FlowStyle
		return n, err
	}
	return nil, errors.Errorf("invalid attribute kind %s", value.Kind())
}
