package fileshare

import (
	"fmt"
	"html/template"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davidoram/bletool/sandbox"
)

// Item is one child of a listed directory.
type Item struct {
	Name  string
	IsDir bool
	Size  int64
}

// HumanSize is the item size formatted for display.
func (i Item) HumanSize() string { return HumanSize(i.Size) }

// List returns the immediate children of the directory entry, directories
// first, each group sorted by name.
func List(dir sandbox.Entry) ([]Item, error) {
	if dir.Kind != sandbox.Directory {
		return nil, fmt.Errorf("list %s: %w", dir.Rel, sandbox.ErrNotFound)
	}
	des, err := os.ReadDir(dir.Path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir.Rel, err)
	}

	var dirs, files []Item
	for _, de := range des {
		// Stat follows symlinks so a link to a directory is listed as one.
		fi, err := os.Stat(filepath.Join(dir.Path, de.Name()))
		if err != nil {
			files = append(files, Item{Name: de.Name()})
			continue
		}
		if fi.IsDir() {
			dirs = append(dirs, Item{Name: de.Name(), IsDir: true})
		} else {
			files = append(files, Item{Name: de.Name(), Size: fi.Size()})
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return append(dirs, files...), nil
}

var listingTemplate = template.Must(template.New("listing").Funcs(template.FuncMap{
	"fileURL": fileURL,
	"join":    joinRel,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Files /{{.Rel}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; }
ul { list-style-type: none; padding: 0; }
li { margin: 5px 0; }
a { text-decoration: none; color: #0066cc; }
a:hover { text-decoration: underline; }
.dir::before { content: "\1F4C1  "; }
.file::before { content: "\1F4C4  "; }
</style>
</head>
<body>
<h1>Files /{{.Rel}}</h1>
{{- if .Rel}}
<p><a class="dir" href="{{fileURL .Parent true}}">..</a></p>
{{- end}}
<ul>
{{- range .Items}}
{{- if .IsDir}}
<li><a class="dir" href="{{fileURL (join $.Rel .Name) true}}">{{.Name}}/</a></li>
{{- else}}
<li><a class="file" href="{{fileURL (join $.Rel .Name) false}}" target="_blank">{{.Name}}</a> ({{.HumanSize}})</li>
{{- end}}
{{- end}}
</ul>
</body>
</html>
`))

type listingPage struct {
	Rel    string
	Parent string
	Items  []Item
}

// RenderListing writes the HTML listing of a directory whose path relative to
// the root is rel.
func RenderListing(w io.Writer, rel string, items []Item) error {
	parent := path.Dir(rel)
	if parent == "." {
		parent = ""
	}
	return listingTemplate.Execute(w, listingPage{Rel: rel, Parent: parent, Items: items})
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// fileURL escapes every element of rel and prefixes the /files/ route.
func fileURL(rel string, dir bool) template.URL {
	var b strings.Builder
	b.WriteString("/files/")
	if rel != "" {
		parts := strings.Split(rel, "/")
		for i, p := range parts {
			parts[i] = url.PathEscape(p)
		}
		b.WriteString(strings.Join(parts, "/"))
		if dir {
			b.WriteString("/")
		}
	}
	return template.URL(b.String())
}
