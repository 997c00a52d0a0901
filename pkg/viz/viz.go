// Package viz draws the change history of a board as a graph: one node per
// change, one edge per causal dependency.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/canvas-sync/pkg/doc"
)

func label(e doc.HistoryEntry) string {
	short := e.Hash
	if len(short) > 8 {
		short = short[:8]
	}
	l := fmt.Sprintf("%s %s@%d objects=%d", short, e.Actor, e.Seq, e.Objects)
	if e.Message != "" {
		l += " " + e.Message
	}
	return l
}

// Render lays out history with graphviz and writes it to w in format.
func Render(history []doc.HistoryEntry, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(history))
	edges := 0
	for _, entry := range history {
		n, err := graph.CreateNode(entry.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label(entry))
		nodes[entry.Hash] = n

		for _, dep := range entry.Deps {
			parent, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// WriteDOT writes history as a graphviz dot source without laying it out.
func WriteDOT(history []doc.HistoryEntry, w io.Writer) error {
	var buff bytes.Buffer
	buff.WriteString("digraph \"history\" {\n")
	for _, entry := range history {
		fmt.Fprintf(&buff, "    %q [label=%q]\n", entry.Hash, label(entry))
		for _, dep := range entry.Deps {
			fmt.Fprintf(&buff, "    %q -> %q\n", dep, entry.Hash)
		}
	}
	buff.WriteString("}\n")
	_, err := w.Write(buff.Bytes())
	return err
}

// RenderFile renders the history of d as svg into path.
func RenderFile(d *doc.Document, path string) error {
	history, err := d.History()
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	if err := Render(history, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(path, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// RenderToTemp renders into a new svg file in the temp dir and returns its
// path.
func RenderToTemp(d *doc.Document) (string, error) {
	f, err := os.CreateTemp("", "board-*.svg")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	if err := RenderFile(d, path); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
