package panel

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

//go:embed web/*
var content embed.FS

// StaticPrefix is the URL prefix under which web root assets are served.
const StaticPrefix = "/static/"

// Handler returns an http.Handler for the UI in webRoot.
//
// When webRoot is empty or not a directory, the embedded placeholder is
// served. Panics if the embedded assets cannot be loaded (build error).
func Handler(webRoot string) http.Handler {
	var root http.FileSystem
	if webRoot != "" {
		if info, err := os.Stat(webRoot); err == nil && info.IsDir() {
			root = http.Dir(webRoot)
		}
	}
	if root == nil {
		webFS, err := fs.Sub(content, "web")
		if err != nil {
			panic(fmt.Sprintf("panel: failed to load embedded web assets: %v", err))
		}
		root = http.FS(webFS)
	}

	static := http.StripPrefix(strings.TrimSuffix(StaticPrefix, "/"), http.FileServer(noListing{root}))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// index.html and the UI bundle change between deploys.
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean("/" + r.URL.Path)
		if strings.HasPrefix(upath, StaticPrefix) {
			static.ServeHTTP(w, r)
			return
		}
		serveIndex(w, r, root)
	})
}

func serveIndex(w http.ResponseWriter, r *http.Request, root http.FileSystem) {
	f, err := root.Open("index.html")
	if err != nil {
		http.Error(w, "index.html not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "index.html not readable", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, "index.html", info.ModTime(), f)
}

// noListing hides directory listings under /static/.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}
