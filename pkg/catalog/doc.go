// Package catalog loads the read-only reference data the draft engine consults: the
// phase catalog, timeline templates, challenge types and tracks, type to template
// associations, resource roles and term identifiers.
//
// Sources may be CUE, YAML or JSON. Each source is unified with a CUE schema, decoded
// into engine.ReferenceData and merged in order; the merged catalog is then checked
// with go-playground/validator and for dangling references. A Catalog wraps the result
// as an engine.ReferenceSource and can watch its sources with fsnotify, swapping in a
// new catalog only when it loads cleanly.
//
// With no sources configured the catalog bundled in default.yaml is used.
package catalog
