package domain

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// NodeKind tags the variant held by a Node.
type NodeKind int

const (
	// KindElements is a leaf group: concrete elements sharing one transaction.
	KindElements NodeKind = iota
	// KindSublists is a list of nested nodes, each run in its own nested transaction.
	KindSublists
	// KindInvalid is a node that failed structural validation; nothing inside it runs.
	KindInvalid
)

func (k NodeKind) String() string {
	switch k {
	case KindElements:
		return "elements"
	case KindSublists:
		return "sublists"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Element is one sub-request as submitted by the client.
type Element struct {
	Href string          `json:"href"`
	Verb string          `json:"verb"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Payload returns the element body as JSON. A body sent as a JSON string is
// treated as encoded JSON text and parsed once more. A null or absent body
// yields nil.
func (e Element) Payload() (json.RawMessage, error) {
	body := bytes.TrimSpace(e.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	if body[0] != '"' {
		return body, nil
	}

	var text string
	if err := json.Unmarshal(body, &text); err != nil {
		return nil, NewError(http.StatusBadRequest, CodeElementBody, "Body string could not be decoded.")
	}
	if !json.Valid([]byte(text)) {
		return nil, NewError(http.StatusBadRequest, CodeElementBody, "Body string does not contain valid JSON.")
	}
	return json.RawMessage(text), nil
}

// Node is the parsed batch tree. Exactly one of Children, Elements or Err is
// meaningful, selected by Kind. Nodes are immutable once parsed.
type Node struct {
	Kind     NodeKind
	Children []Node
	Elements []Element
	Err      *Error
}

// ParseNode parses a batch body. Only a body that is not a JSON array is
// rejected as a whole; structural problems deeper in the tree become
// KindInvalid nodes so that unrelated siblings still run.
func ParseNode(body []byte) (Node, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil || items == nil {
		return Node{}, NewError(http.StatusBadRequest, CodeBodyInvalid, "Batch body should be JSON array.")
	}
	return parseList(items), nil
}

func parseList(items []json.RawMessage) Node {
	var arrays, objects int
	for _, item := range items {
		switch leadingByte(item) {
		case '[':
			arrays++
		case '{':
			objects++
		}
	}

	switch {
	case len(items) == 0:
		return Node{Kind: KindElements}
	case arrays == len(items):
		children := make([]Node, 0, len(items))
		for _, item := range items {
			var sub []json.RawMessage
			if err := json.Unmarshal(item, &sub); err != nil {
				return invalid(CodeTypeMix, "A batch array should contain either all objects or all (sub)arrays.")
			}
			children = append(children, parseList(sub))
		}
		return Node{Kind: KindSublists, Children: children}
	case objects == len(items):
		elements := make([]Element, 0, len(items))
		for _, item := range items {
			var el Element
			if err := json.Unmarshal(item, &el); err != nil {
				return invalid(CodeElementInvalid, "Batch element could not be decoded: "+err.Error())
			}
			elements = append(elements, el)
		}
		return Node{Kind: KindElements, Elements: elements}
	default:
		return invalid(CodeTypeMix, "A batch array should contain either all objects or all (sub)arrays.")
	}
}

func invalid(code, msg string) Node {
	return Node{Kind: KindInvalid, Err: NewError(http.StatusBadRequest, code, msg)}
}

func leadingByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// MaxWidth returns the length of the widest leaf group anywhere in the tree.
func (n Node) MaxWidth() int {
	switch n.Kind {
	case KindElements:
		return len(n.Elements)
	case KindSublists:
		widest := 0
		for _, child := range n.Children {
			widest = max(widest, child.MaxWidth())
		}
		return widest
	default:
		return 0
	}
}

// Size returns the number of results the node produces: one per element,
// one per invalid node.
func (n Node) Size() int {
	switch n.Kind {
	case KindElements:
		return len(n.Elements)
	case KindSublists:
		total := 0
		for _, child := range n.Children {
			total += child.Size()
		}
		return total
	default:
		return 1
	}
}
