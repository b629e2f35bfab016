package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/seqtext/pkg/replica"
	"github.com/astromechza/seqtext/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "http://127.0.0.1:8080", "the server to connect to")
	docVar := flag.String("doc", "default", "the document to edit")
	fileVar := flag.String("file", "", "mirror this file into the document whenever it changes, instead of typing randomly")
	intervalVar := flag.Duration("interval", time.Second, "how often to type or check the file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := replica.Dial(ctx, *addrVar, *docVar)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer r.Close()
	slog.Info("established replica", "site", r.Site(), "text", r.Text())

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Run(ctx); err != nil {
			slog.Error("replica stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-r.Changed():
				slog.Info("remote change", "text", r.Text())
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if *fileVar != "" {
			mirrorFileContinuously(ctx, r, *fileVar, *intervalVar)
		} else {
			typeRandomlyContinuously(ctx, r, *intervalVar)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), r.Site()+".txt")
	if err := os.WriteFile(tf, []byte(r.Text()), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	if svgPath, err := viz.RenderToTemp(r.Document().Elements()); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}

const alphabet = "abcdefghijklmnopqrstuvwxyz      \n"

func typeRandomlyContinuously(ctx context.Context, r *replica.Replica, interval time.Duration) {
	for {
		t := time.NewTimer(interval + interval*time.Duration(rand.Intn(5))/4)
		select {
		case <-t.C:
			n := len([]rune(r.Text()))
			var err error
			if n > 0 && rand.Intn(4) == 0 {
				err = r.Delete(rand.Intn(n), 1)
			} else {
				c := alphabet[rand.Intn(len(alphabet))]
				err = r.Insert(rand.Intn(n+1), string(c))
			}
			if err != nil {
				slog.Error("failed to edit", "err", err)
			} else {
				slog.Info("edited", "text", r.Text())
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled typing")
			return
		}
	}
}

func mirrorFileContinuously(ctx context.Context, r *replica.Replica, path string, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	var last string
	for {
		select {
		case <-t.C:
			raw, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			} else if err != nil {
				slog.Error("failed to read file", "path", path, "err", err)
				continue
			}
			if string(raw) == last {
				continue
			}
			last = string(raw)
			if err := r.SetText(last); err != nil {
				slog.Error("failed to apply file", "err", err)
			} else {
				slog.Info("mirrored file", "path", path, "length", len(last))
			}
		case <-ctx.Done():
			slog.Info("stopping file mirror")
			return
		}
	}
}
