package proxy

import (
	"encoding/xml"
	"fmt"
)

// Introspection document shape. Elements other than the ones declared
// here are skipped by the decoder at every level, which is exactly the
// forward-compatibility policy the document format asks for.
type xmlNode struct {
	XMLName    xml.Name       `xml:"node"`
	Interfaces []xmlInterface `xml:"interface"`
}

type xmlInterface struct {
	Name       string        `xml:"name,attr"`
	Properties []xmlProperty `xml:"property"`
	Methods    []xmlMethod   `xml:"method"`
}

type xmlProperty struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

type xmlMethod struct {
	Name string   `xml:"name,attr"`
	Args []xmlArg `xml:"arg"`
}

type xmlArg struct {
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

// PropertySpec describes one declared property.
type PropertySpec struct {
	Name     string
	Type     string
	Writable bool
}

// MethodSpec describes one declared method's input side. Output argument
// types are not needed for invocation.
type MethodSpec struct {
	Name   string
	InArgs []string
}

// InterfaceSpec is the descriptor set for one declared interface.
type InterfaceSpec struct {
	Name       string
	Properties []PropertySpec
	Methods    []MethodSpec
}

// ParseIntrospection decodes an introspection document into interface
// descriptors, in document order.
func ParseIntrospection(doc []byte) ([]InterfaceSpec, error) {
	var node xmlNode
	if err := xml.Unmarshal(doc, &node); err != nil {
		return nil, fmt.Errorf("%w: introspection document: %v", ErrProtocol, err)
	}

	specs := make([]InterfaceSpec, 0, len(node.Interfaces))
	for _, iface := range node.Interfaces {
		spec := InterfaceSpec{Name: iface.Name}
		for _, p := range iface.Properties {
			spec.Properties = append(spec.Properties, PropertySpec{
				Name:     p.Name,
				Type:     p.Type,
				Writable: p.Access == "readwrite",
			})
		}
		for _, m := range iface.Methods {
			ms := MethodSpec{Name: m.Name}
			for _, a := range m.Args {
				if a.Direction == "in" {
					ms.InArgs = append(ms.InArgs, a.Type)
				}
			}
			spec.Methods = append(spec.Methods, ms)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
