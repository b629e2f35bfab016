// Package viz draws the identifier tree of a document as an SVG. Every level
// of every identifier is a node; element nodes are labelled with their value
// and tombstones are dashed.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/seqtext/pkg/ident"
	"github.com/astromechza/seqtext/pkg/sequence"
)

func RenderSVG(w io.Writer, elements []sequence.Element) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	root, err := graph.CreateNode("root")
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	root.SetShape(cgraph.PointShape)

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	node := func(prefix ident.Identifier, parent *cgraph.Node) (*cgraph.Node, error) {
		name := prefix.String()
		if n, ok := nodeMap[name]; ok {
			return n, nil
		}
		n, err := graph.CreateNode(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		last := prefix[len(prefix)-1]
		n.SetLabel(fmt.Sprintf("%d@%s", last.Digit, last.Site))
		n.SetShape(cgraph.BoxShape)
		nodeMap[name] = n
		edgeCounter++
		if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
			return nil, fmt.Errorf("failed to create edge: %w", err)
		}
		return n, nil
	}

	for _, el := range elements {
		parent := root
		for depth := 1; depth <= el.ID.Depth(); depth++ {
			n, err := node(el.ID[:depth], parent)
			if err != nil {
				return err
			}
			parent = n
		}
		last := el.ID[len(el.ID)-1]
		parent.SetLabel(fmt.Sprintf("%d@%s [%s]", last.Digit, last.Site, el.Value))
		if el.Deleted {
			parent.SetStyle(cgraph.DashedNodeStyle)
			parent.SetFontColor("grey")
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderToFile(elements []sequence.Element, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderSVG(&buff, elements); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(elements []sequence.Element) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderToFile(elements, tf); err != nil {
		return "", err
	}
	return tf, nil
}
