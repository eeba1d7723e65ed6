package main

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"path"

	"github.com/pkg/errors"
)

//go:embed templates/*.html static
var assets embed.FS

const layoutTemplate = "layout.html"

// templateSet holds every page parsed together with the shared layout.
type templateSet struct {
	pages map[string]*template.Template
}

// newTemplateSet parses each page in dir against dir/layout.html.
func newTemplateSet(fsys fs.FS, dir string, funcMap template.FuncMap) (*templateSet, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing templates in %s", dir)
	}

	set := &templateSet{pages: make(map[string]*template.Template)}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == layoutTemplate || path.Ext(name) != ".html" {
			continue
		}
		t, err := template.New(layoutTemplate).Funcs(funcMap).ParseFS(fsys, path.Join(dir, layoutTemplate), path.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing template %s", name)
		}
		set.pages[name] = t
	}
	return set, nil
}

// Render executes a page into w. Nothing is written when execution fails.
func (s *templateSet) Render(w io.Writer, name string, payload interface{}) error {
	t, ok := s.pages[name]
	if !ok {
		return errors.Errorf("unknown template %s", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, layoutTemplate, payload); err != nil {
		return errors.Wrapf(err, "executing template %s", name)
	}
	_, err := buf.WriteTo(w)
	return err
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
