// Package decks derives a hierarchical deck view from card source paths.
package decks

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/AM-Campbell/sr/internal/domain"
	"github.com/AM-Campbell/sr/internal/storage"
)

// Deck is one node in the deck tree. Leaf decks correspond to a single
// source file; inner decks aggregate the stats of their children.
type Deck struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Children []Deck `json:"children"`
	Total    int    `json:"total"`
	Active   int    `json:"active"`
	Due      int    `json:"due"`
	IsLeaf   bool   `json:"is_leaf"`
}

type stats struct {
	total  int
	active int
	due    int
}

type node struct {
	children map[string]*node
	stats    *stats
	fullPath string
}

func newNode() *node {
	return &node{children: map[string]*node{}}
}

// BuildTree groups gradable cards by source path into a deck hierarchy.
// Chains of single-child directories collapse into one node, and the common
// path prefix of all sources is stripped.
func BuildTree(db *storage.DB) ([]Deck, error) {
	rows, err := db.DeckRows()
	if err != nil {
		return nil, fmt.Errorf("failed to build deck tree: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	pathStats := map[string]*stats{}
	for _, r := range rows {
		st, ok := pathStats[r.SourcePath]
		if !ok {
			st = &stats{}
			pathStats[r.SourcePath] = st
		}
		st.total++
		if r.Status == domain.StatusActive {
			st.active++
			if r.Due {
				st.due++
			}
		}
	}

	paths := make([]string, 0, len(pathStats))
	for p := range pathStats {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	common := commonPrefix(paths)

	root := newNode()
	for _, sp := range paths {
		rel := strings.TrimPrefix(strings.TrimPrefix(sp, common), "/")
		cur := root
		for _, part := range strings.Split(rel, "/") {
			child, ok := cur.children[part]
			if !ok {
				child = newNode()
				cur.children[part] = child
			}
			cur = child
		}
		cur.stats = pathStats[sp]
		cur.fullPath = sp
	}

	collapse(root)
	return toDecks(root, common, ""), nil
}

// commonPrefix finds the deepest directory containing every path. A prefix
// that is itself one of the paths backs off to its parent so the file still
// appears as a node.
func commonPrefix(paths []string) string {
	if len(paths) == 1 {
		return path.Dir(paths[0])
	}
	segs := strings.Split(paths[0], "/")
	for _, p := range paths[1:] {
		other := strings.Split(p, "/")
		n := 0
		for n < len(segs) && n < len(other) && segs[n] == other[n] {
			n++
		}
		segs = segs[:n]
	}
	common := strings.Join(segs, "/")
	for _, p := range paths {
		if p == common {
			common = path.Dir(common)
			break
		}
	}
	return common
}

// collapse merges chains of single-child directory nodes, joining their
// names with a slash.
func collapse(n *node) {
	if len(n.children) == 1 && n.stats == nil {
		var key string
		var child *node
		for k, c := range n.children {
			key, child = k, c
		}
		for len(child.children) == 1 && child.stats == nil {
			var nextKey string
			var next *node
			for k, c := range child.children {
				nextKey, next = k, c
			}
			key = key + "/" + nextKey
			child = next
		}
		n.children = map[string]*node{key: child}
	}
	for _, c := range n.children {
		collapse(c)
	}
}

func toDecks(n *node, common, prefix string) []Deck {
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result []Deck
	for _, k := range keys {
		child := n.children[k]
		isLeaf := child.stats != nil && len(child.children) == 0
		nodePath := k
		if prefix != "" {
			nodePath = prefix + "/" + k
		}

		d := Deck{Name: k, IsLeaf: isLeaf}
		if isLeaf {
			d.Path = child.fullPath
			d.Total = child.stats.total
			d.Active = child.stats.active
			d.Due = child.stats.due
		} else {
			d.Path = common + "/" + nodePath
			agg := aggregate(child)
			d.Total = agg.total
			d.Active = agg.active
			d.Due = agg.due
			d.Children = toDecks(child, common, nodePath)
		}
		result = append(result, d)
	}
	return result
}

func aggregate(n *node) stats {
	var s stats
	if n.stats != nil {
		s.total += n.stats.total
		s.active += n.stats.active
		s.due += n.stats.due
	}
	for _, c := range n.children {
		sub := aggregate(c)
		s.total += sub.total
		s.active += sub.active
		s.due += sub.due
	}
	return s
}
