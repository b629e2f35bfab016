package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/astromechza/seqtext/pkg/document"
	"github.com/astromechza/seqtext/pkg/op"
	"github.com/astromechza/seqtext/pkg/snapshot"
	"github.com/astromechza/seqtext/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	opsVar := flag.Bool("ops", false, "the input is a json operation log rather than a snapshot")
	svgVar := flag.String("svg", "", "write the identifier tree here instead of a temp file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	doc := document.New("debug")
	if *opsVar {
		var ops []op.Operation
		if err := json.Unmarshal(buff, &ops); err != nil {
			return fmt.Errorf("failed to decode operations: %w", err)
		}
		for i, o := range ops {
			res := doc.Apply(o)
			slog.Info("op", "i", fmt.Sprintf("%4d", i), "op", o, "result", res)
		}
	} else {
		state, err := snapshot.Decode(buff)
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		slog.Info("loaded snapshot", "generation", state.Generation, "ops", len(state.Ops))
		if len(state.Ops) > 0 {
			doc.ApplyAll(state.Ops)
		} else if _, err := doc.Initialize(state.Text, ""); err != nil {
			return fmt.Errorf("failed to seed doc: %w", err)
		}
	}
	buff = nil

	slog.Info("loaded doc", "stats", doc.Stats())
	for i, el := range doc.Elements() {
		slog.Info("element", "i", fmt.Sprintf("%4d", i), "id", el.ID, "value", el.Value, "deleted", el.Deleted)
	}
	fmt.Println(doc.RenderText())

	path := *svgVar
	if path == "" {
		if path, err = viz.RenderToTemp(doc.Elements()); err != nil {
			return err
		}
	} else if err := viz.RenderToFile(doc.Elements(), path); err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+path)
	return nil
}
