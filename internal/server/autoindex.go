package server

import (
	"bytes"
	"html"
	"net/url"
	"os"

	"github.com/dustin/go-humanize"
)

// renderIndex lists dir as an HTML page for the request path reqPath.
// Entries keep the order os.ReadDir returns (by name); directories get a
// trailing slash.
func renderIndex(reqPath, dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	title := html.EscapeString("Index of " + reqPath)
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(title)
	b.WriteString("</title></head>\n<body>\n<h1>")
	b.WriteString(title)
	b.WriteString("</h1>\n<hr>\n<table>\n")

	if reqPath != "/" {
		b.WriteString("<tr><td><a href=\"../\">../</a></td><td></td><td></td></tr>\n")
	}

	for _, e := range entries {
		name := e.Name()
		size, modified := "-", ""
		if info, err := e.Info(); err == nil {
			modified = info.ModTime().UTC().Format("2006-01-02 15:04")
			if !e.IsDir() {
				size = humanize.IBytes(uint64(info.Size()))
			}
		}
		if e.IsDir() {
			name += "/"
		}
		href := (&url.URL{Path: name}).String()

		b.WriteString("<tr><td><a href=\"")
		b.WriteString(html.EscapeString(href))
		b.WriteString("\">")
		b.WriteString(html.EscapeString(name))
		b.WriteString("</a></td><td>")
		b.WriteString(modified)
		b.WriteString("</td><td>")
		b.WriteString(size)
		b.WriteString("</td></tr>\n")
	}

	b.WriteString("</table>\n<hr>\n</body></html>\n")
	return b.Bytes(), nil
}
