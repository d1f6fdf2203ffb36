// Package document projects JSON trees onto path keys and back.
//
// Every interior level of a tree contributes one key component. Objects store
// ObjectPlaceholder at their own path so they can be told apart from scalars;
// arrays store their elements under numeric components plus a "length" entry.
// Booleans and null are stored as the strings "true", "false" and "null".
// Object keys are percent-encoded into their component (see
// storage.EscapeComponent) and decoded again on the way back.
package document

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap/errors"

	"github.com/myuser/pathdb/internal/storage"
)

// ObjectPlaceholder is the value stored at the path of a JSON object.
const ObjectPlaceholder = "object-type-placeholder"

const lengthComponent = "length"

// ErrInvalidKey is returned for object keys that cannot be a path component.
var ErrInvalidKey = errors.New("document: invalid object key")

// Pair is one flattened leaf.
type Pair struct {
	Key   storage.Key
	Value storage.Value
}

// Flatten turns doc, as produced by encoding/json, into path/value pairs under
// root. Pairs come out in key order.
func Flatten(root storage.Key, doc any) ([]Pair, error) {
	var out []Pair
	if err := flatten(root.Normalize(), doc, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

func flatten(path storage.Key, v any, out *[]Pair) error {
	switch x := v.(type) {
	case map[string]any:
		*out = append(*out, Pair{path, storage.String(ObjectPlaceholder)})
		for k, child := range x {
			if k == "" || strings.ContainsRune(k, storage.Separator) {
				return errors.Annotatef(ErrInvalidKey, "%q under %s", k, path)
			}
			if err := flatten(path.Append(storage.EscapeComponent(k)), child, out); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range x {
			if err := flatten(path.Append(strconv.Itoa(i)), child, out); err != nil {
				return err
			}
		}
		*out = append(*out, Pair{path.Append(lengthComponent), storage.Number(float64(len(x)))})
	case string:
		*out = append(*out, Pair{path, storage.String(x)})
	case float64:
		*out = append(*out, Pair{path, storage.Number(x)})
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return errors.Trace(err)
		}
		*out = append(*out, Pair{path, storage.Number(f)})
	case bool:
		*out = append(*out, Pair{path, storage.String(strconv.FormatBool(x))})
	case nil:
		*out = append(*out, Pair{path, storage.String("null")})
	default:
		return errors.Errorf("document: unsupported type %T at %s", v, path)
	}
	return nil
}

type node struct {
	value    *storage.Value
	children map[string]*node
}

func (n *node) child(name string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c, ok := n.children[name]
	if !ok {
		c = &node{}
		n.children[name] = c
	}
	return c
}

// Rehydrate rebuilds the tree stored under root from the rows of a range read
// of root. rootValue is the value at root itself, or nil when root has none
// (arrays and missing documents).
func Rehydrate(root storage.Key, rootValue *storage.Value, rows []storage.Entry) any {
	base := root.Normalize()
	top := &node{value: rootValue}
	for _, r := range rows {
		n := top
		for _, c := range r.Key.TrimPrefix(base).Components() {
			if name, err := storage.UnescapeComponent(c); err == nil {
				c = name
			}
			n = n.child(c)
		}
		v := r.Version.Value
		n.value = &v
	}
	return build(top)
}

func build(n *node) any {
	if n.value != nil {
		if s, ok := n.value.AsString(); ok && s == ObjectPlaceholder {
			obj := make(map[string]any, len(n.children))
			for k, c := range n.children {
				obj[k] = build(c)
			}
			return obj
		}
		if len(n.children) == 0 {
			return scalar(*n.value)
		}
	}
	if n.children == nil {
		return nil
	}
	length := 0
	if l, ok := n.children[lengthComponent]; ok && l.value != nil {
		if f, ok := l.value.AsNumber(); ok {
			length = int(f)
		}
	}
	arr := make([]any, length)
	for i := range arr {
		if c, ok := n.children[strconv.Itoa(i)]; ok {
			arr[i] = build(c)
		}
	}
	return arr
}

func scalar(v storage.Value) any {
	if f, ok := v.AsNumber(); ok {
		return f
	}
	s, _ := v.AsString()
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return s
}

// Write stores doc under root inside transaction id. Leaves of an earlier
// document under root that doc no longer has are deleted.
func Write(ctx context.Context, e storage.Engine, id storage.TxnID, root storage.Key, doc any) error {
	pairs, err := Flatten(root, doc)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		keep[p.Key.String()] = struct{}{}
	}
	old, err := e.RangeRead(ctx, id, root)
	if err != nil {
		return err
	}
	for _, r := range old {
		if _, ok := keep[r.Key.String()]; ok {
			continue
		}
		if err := e.Write(ctx, id, r.Key, storage.Deleted()); err != nil {
			return err
		}
	}
	if _, isArray := doc.([]any); isArray {
		// An array keeps no value at its own path.
		if err := deleteIfPresent(ctx, e, id, root.Normalize()); err != nil {
			return err
		}
	}
	for _, p := range pairs {
		if err := e.Write(ctx, id, p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}

func deleteIfPresent(ctx context.Context, e storage.Engine, id storage.TxnID, key storage.Key) error {
	_, err := e.Read(ctx, id, key)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.Write(ctx, id, key, storage.Deleted())
}

// Read rebuilds the document stored under root inside transaction id.
func Read(ctx context.Context, e storage.Engine, id storage.TxnID, root storage.Key) (any, error) {
	root = root.Normalize()
	var rootValue *storage.Value
	v, err := e.Read(ctx, id, root)
	switch {
	case err == nil:
		rootValue = &v.Value
		if s, ok := v.Value.AsString(); !ok || s != ObjectPlaceholder {
			return scalar(v.Value), nil
		}
	case !storage.IsNotFound(err):
		return nil, err
	}
	rows, err := e.RangeRead(ctx, id, root)
	if err != nil {
		return nil, err
	}
	if rootValue == nil && len(rows) == 0 {
		return nil, errors.Annotatef(storage.ErrValueNotFound, "document %s", root)
	}
	return Rehydrate(root, rootValue, rows), nil
}

// Marshal is Read followed by JSON encoding.
func Marshal(ctx context.Context, e storage.Engine, id storage.TxnID, root storage.Key) ([]byte, error) {
	doc, err := Read(ctx, e, id, root)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	return data, errors.Trace(err)
}

// Unmarshal decodes data and writes it under root.
func Unmarshal(ctx context.Context, e storage.Engine, id storage.TxnID, root storage.Key, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Annotate(err, "decode document")
	}
	return Write(ctx, e, id, root, doc)
}
