// Package pagetree resolves ancestor and descendant closures over a space's
// pages. The tree is an arena: pages live in one slice and edges are indexes.
package pagetree

import (
	"errors"
	"fmt"

	"pageperm/api/internal/store"
)

var (
	ErrCycle        = errors.New("page tree contains a cycle")
	ErrPageNotFound = errors.New("page not found in tree")
)

const noParent = -1

type Tree struct {
	pages    []store.Page
	index    map[string]int
	parent   []int
	children [][]int
}

// Build indexes pages into a tree. A page whose parent is not part of the
// input is treated as a root. Build fails with ErrCycle when the parent links
// loop.
func Build(pages []store.Page) (*Tree, error) {
	t := &Tree{
		pages:    make([]store.Page, len(pages)),
		index:    make(map[string]int, len(pages)),
		parent:   make([]int, len(pages)),
		children: make([][]int, len(pages)),
	}
	copy(t.pages, pages)
	for i, page := range t.pages {
		if _, dup := t.index[page.ID]; dup {
			return nil, fmt.Errorf("build page tree: duplicate page %s", page.ID)
		}
		t.index[page.ID] = i
	}
	for i, page := range t.pages {
		t.parent[i] = noParent
		if page.ParentID == nil {
			continue
		}
		p, ok := t.index[*page.ParentID]
		if !ok {
			continue
		}
		t.parent[i] = p
		t.children[p] = append(t.children[p], i)
	}
	if err := t.checkAcyclic(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) checkAcyclic() error {
	const (
		unvisited = iota
		walking
		done
	)
	state := make([]int, len(t.pages))
	for start := range t.pages {
		path := make([]int, 0, 8)
		for n := start; n != noParent && state[n] != done; n = t.parent[n] {
			if state[n] == walking {
				return fmt.Errorf("%w: page %s", ErrCycle, t.pages[n].ID)
			}
			state[n] = walking
			path = append(path, n)
		}
		for _, n := range path {
			state[n] = done
		}
	}
	return nil
}

func (t *Tree) Page(pageID string) (store.Page, error) {
	i, ok := t.index[pageID]
	if !ok {
		return store.Page{}, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	return t.pages[i], nil
}

// ResolveDescendants returns every page below pageID, breadth first. Deleted
// pages are included so restoring them from trash keeps their permissions.
func (t *Tree) ResolveDescendants(pageID string) ([]store.Page, error) {
	i, ok := t.index[pageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	seen := make([]bool, len(t.pages))
	seen[i] = true
	queue := append([]int(nil), t.children[i]...)
	out := make([]store.Page, 0, len(queue))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			return nil, fmt.Errorf("%w: page %s reached twice", ErrCycle, t.pages[n].ID)
		}
		seen[n] = true
		out = append(out, t.pages[n])
		queue = append(queue, t.children[n]...)
	}
	return out, nil
}

// WalkDescendants visits the pages below pageID breadth first. Returning false
// from visit skips that page's subtree.
func (t *Tree) WalkDescendants(pageID string, visit func(store.Page) bool) error {
	i, ok := t.index[pageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	seen := make([]bool, len(t.pages))
	seen[i] = true
	queue := append([]int(nil), t.children[i]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			return fmt.Errorf("%w: page %s reached twice", ErrCycle, t.pages[n].ID)
		}
		seen[n] = true
		if visit(t.pages[n]) {
			queue = append(queue, t.children[n]...)
		}
	}
	return nil
}

// Ancestors returns the parents of pageID, nearest first.
func (t *Tree) Ancestors(pageID string) ([]store.Page, error) {
	i, ok := t.index[pageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	var out []store.Page
	for n, steps := t.parent[i], 0; n != noParent; n, steps = t.parent[n], steps+1 {
		if steps >= len(t.pages) {
			return nil, fmt.Errorf("%w: above page %s", ErrCycle, pageID)
		}
		out = append(out, t.pages[n])
	}
	return out, nil
}

// FindParentOfType returns the nearest ancestor of pageID with one of the
// given types. The page itself is not considered.
func (t *Tree) FindParentOfType(pageID string, types ...store.PageType) (store.Page, bool, error) {
	ancestors, err := t.Ancestors(pageID)
	if err != nil {
		return store.Page{}, false, err
	}
	for _, page := range ancestors {
		for _, pageType := range types {
			if page.Type == pageType {
				return page, true, nil
			}
		}
	}
	return store.Page{}, false, nil
}
