package overlay

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/index"
)

// RootName is the display name of the tree root.
const RootName = "Game Root"

// Node is a resolved, read-only view of one virtual path.
type Node struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"is_directory"`
	Size        *int64     `json:"size,omitempty"`
	Modified    *time.Time `json:"modified,omitempty"`
	Source      Source     `json:"source"`
	Writable    bool       `json:"writable"`
	Children    []*Node    `json:"children,omitempty"`
}

// Resolve returns the node at virtualPath ("" for the root). Directory
// children are populated for exactly one level; deeper levels are fetched
// by resolving a child path.
func (o *Overlay) Resolve(ctx context.Context, profile, virtualPath string) (*Node, error) {
	p, err := fsops.CleanRelPath(virtualPath)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}

	var node *Node
	err = o.db.View(ctx, func(tx *index.Tx) error {
		if _, err := tx.MustGetProfile(profile); err != nil {
			return err
		}

		if p == "" {
			node, err = o.resolveRoot()
		} else {
			var st *state
			st, err = o.classify(tx, profile, p)
			if err != nil {
				return err
			}
			node, err = o.nodeFor(p, st)
		}
		if err != nil {
			return err
		}

		if node.IsDirectory && node.Source != SourceTombstone {
			node.Children, err = o.children(tx, profile, p)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (o *Overlay) resolveRoot() (*Node, error) {
	info, err := o.baseStat("")
	if err != nil {
		return nil, err
	}
	if info == nil || !info.IsDir() {
		return nil, apperr.NotFound("base directory %s", o.base)
	}
	return &Node{
		Name:        RootName,
		Path:        "",
		IsDirectory: true,
		Modified:    modTime(info),
		Source:      SourceBase,
	}, nil
}

// nodeFor builds the childless node of a classified path.
func (o *Overlay) nodeFor(p string, st *state) (*Node, error) {
	n := &Node{
		Name:   path.Base(p),
		Path:   p,
		Source: st.source,
	}

	switch st.source {
	case SourceWorkspace, SourceWorkspaceOverride:
		n.Writable = true
		if st.entry == nil {
			n.IsDirectory = true
			return n, nil
		}
		info, err := o.fs.Stat(o.blobs.Path(st.entry.Hash))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, apperr.IO(err, "stat blob of %s", p)
			}
		} else {
			size := info.Size()
			n.Size = &size
		}
		updated := st.entry.UpdatedAt
		n.Modified = &updated
	case SourceBase, SourceTombstone:
		if st.base != nil {
			n.IsDirectory = st.base.IsDir()
			n.Modified = modTime(st.base)
			if !n.IsDirectory {
				size := st.base.Size()
				n.Size = &size
			}
		}
	}
	return n, nil
}

// children lists the direct children of directory p.
func (o *Overlay) children(tx *index.Tx, profile, p string) ([]*Node, error) {
	names := make(map[string]struct{})

	dir := o.BasePath(p)
	if info, err := o.baseStat(p); err != nil {
		return nil, err
	} else if info != nil && info.IsDir() {
		dirEntries, err := o.fs.ReadDir(dir)
		if err != nil {
			return nil, apperr.IO(err, "read base directory %s", p)
		}
		for _, de := range dirEntries {
			names[de.Name()] = struct{}{}
		}
	}

	entries, err := tx.ListEntriesUnder(profile, p)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*index.Entry, len(entries))
	hasDescendants := make(map[string]bool)
	for i := range entries {
		e := &entries[i]
		rest := strings.TrimPrefix(e.Path, p)
		rest = strings.TrimPrefix(rest, "/")
		name, deeper, nested := strings.Cut(rest, "/")
		names[name] = struct{}{}
		if nested && deeper != "" {
			if e.Kind == index.KindFile {
				hasDescendants[name] = true
			}
			continue
		}
		byPath[e.Path] = e
	}

	out := make([]*Node, 0, len(names))
	for name := range names {
		childPath := name
		if p != "" {
			childPath = p + "/" + name
		}

		base, err := o.baseStat(childPath)
		if err != nil {
			return nil, err
		}
		st := &state{entry: byPath[childPath], base: base}
		if !st.resolve(hasDescendants[name]) {
			continue
		}

		node, err := o.nodeFor(childPath, st)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}

	sortNodes(out)
	return out, nil
}

// sortNodes orders directories first, then by case-insensitive name.
func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

func modTime(info os.FileInfo) *time.Time {
	t := info.ModTime().UTC()
	return &t
}
