package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/taylorskalyo/goreader/epub"
)

// ncxTitles maps spine hrefs to their table-of-contents titles. Books
// without a usable NCX get an empty map and positional fallback titles.
func ncxTitles(filename string, book *epub.Rootfile) map[string]string {
	data, err := readNCX(filename, book)
	if err != nil {
		return map[string]string{}
	}
	return parseNCXTitles(data)
}

// parseNCXTitles walks every navPoint and records its label under the
// content src, both as written and stripped of fragments and directories.
func parseNCXTitles(data []byte) map[string]string {
	titles := make(map[string]string)

	root, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return titles
	}

	points, err := xmlquery.QueryAll(root, "//navPoint")
	if err != nil {
		return titles
	}

	for _, np := range points {
		label, err := xmlquery.Query(np, "navLabel/text")
		if err != nil || label == nil {
			continue
		}
		content, err := xmlquery.Query(np, "content")
		if err != nil || content == nil {
			continue
		}

		title := strings.TrimSpace(label.InnerText())
		href := attrValue(content, "src")
		if title == "" || href == "" {
			continue
		}

		for _, key := range hrefKeys(href) {
			if _, exists := titles[key]; !exists {
				titles[key] = title
			}
		}
	}

	return titles
}

func lookupTitle(titles map[string]string, href string) string {
	if t, ok := titles[href]; ok {
		return t
	}
	if t, ok := titles[path.Base(href)]; ok {
		return t
	}
	return ""
}

// hrefKeys returns the lookup keys one nav href should answer to: as
// written, without the fragment, and as a bare filename.
func hrefKeys(href string) []string {
	keys := []string{href}
	if i := strings.Index(href, "#"); i != -1 {
		href = href[:i]
		keys = append(keys, href)
	}
	if base := path.Base(href); base != href {
		keys = append(keys, base)
	}
	return keys
}

func attrValue(n *xmlquery.Node, name string) string {
	for _, attr := range n.Attr {
		if attr.Name.Local == name {
			return attr.Value
		}
	}
	return ""
}

// readNCX locates the NCX inside the archive, preferring the manifest's
// media-type declaration and falling back to an extension scan.
func readNCX(filename string, book *epub.Rootfile) ([]byte, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var ncxPath string
	for _, item := range book.Manifest.Items {
		if item.MediaType == "application/x-dtbncx+xml" {
			ncxPath = item.HREF
			break
		}
	}
	if ncxPath == "" {
		for _, f := range zr.File {
			if strings.HasSuffix(strings.ToLower(f.Name), ".ncx") {
				ncxPath = f.Name
				break
			}
		}
	}
	if ncxPath == "" {
		return nil, fmt.Errorf("no NCX file found in epub")
	}

	for _, f := range zr.File {
		if f.Name == ncxPath || strings.HasSuffix(f.Name, "/"+ncxPath) || path.Base(f.Name) == path.Base(ncxPath) {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}

	return nil, fmt.Errorf("NCX file %s not found in archive", ncxPath)
}
