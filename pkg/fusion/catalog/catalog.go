// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package catalog holds the fusion patterns known to the remapper.
//
// A Catalog is an ordered list of Pattern: the registration order is the priority order used by the matcher
// when more than one pattern could be anchored at the same node. Longer variants of a pattern family are
// registered before the shorter ones.
//
// A Catalog is built at startup (see Default) and is read-only afterwards: it can be shared across goroutines.
package catalog

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/core/graph"
)

// ErrInvalidPattern is returned when registering a malformed pattern, or one whose ID is already registered.
var ErrInvalidPattern = errors.New("invalid pattern")

// Catalog of fusion patterns, in priority order.
type Catalog struct {
	patterns []*Pattern
	byID     map[string]*Pattern
	byRoot   map[graph.OpKind][]*Pattern
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		byID:   make(map[string]*Pattern),
		byRoot: make(map[graph.OpKind][]*Pattern),
	}
}

// Register validates the pattern and appends it to the catalog, with the lowest priority so far.
// The catalog keeps its own copy of the pattern.
func (c *Catalog) Register(p *Pattern) error {
	if p == nil {
		return errors.Wrap(ErrInvalidPattern, "nil pattern")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if _, found := c.byID[p.ID]; found {
		return errors.Wrapf(ErrInvalidPattern, "pattern %q already registered", p.ID)
	}
	p = p.clone()
	c.patterns = append(c.patterns, p)
	c.byID[p.ID] = p
	for _, kind := range p.RootTemplate().Ops {
		c.byRoot[kind] = append(c.byRoot[kind], p)
	}
	return nil
}

// MustRegister registers the pattern, and panics on error.
func (c *Catalog) MustRegister(p *Pattern) {
	if err := c.Register(p); err != nil {
		exceptions.Panicf("Catalog.MustRegister(%q): %+v", p.ID, err)
	}
}

// PatternsRootedAt returns the patterns whose root accepts the given operator, in priority order.
//
// The returned slice is a copy, but the patterns are shared with the catalog and must not be modified.
func (c *Catalog) PatternsRootedAt(kind graph.OpKind) []*Pattern {
	return slices.Clone(c.byRoot[kind])
}

// Patterns returns all patterns in priority order.
//
// The returned slice is a copy, but the patterns are shared with the catalog and must not be modified.
func (c *Catalog) Patterns() []*Pattern {
	return slices.Clone(c.patterns)
}

// Pattern returns the pattern with the given ID, or nil. The pattern must not be modified.
func (c *Catalog) Pattern(id string) *Pattern {
	return c.byID[id]
}

// Len returns the number of registered patterns.
func (c *Catalog) Len() int {
	return len(c.patterns)
}
