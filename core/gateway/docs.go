package gateway

import (
	"bytes"
	"fmt"
	"os"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const docsPageTemplate = `<!DOCTYPE html>
<html>
<head>
<title>ComfyUI API Wrapper</title>
<style>
body { font-family: sans-serif; max-width: 60em; margin: 2em auto; padding: 0 1em; line-height: 1.5; }
pre { background: #f4f4f4; padding: 1em; overflow-x: auto; }
code { background: #f4f4f4; padding: 0.1em 0.3em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3em 0.6em; }
</style>
</head>
<body>
%s
</body>
</html>`

// RenderDocs converts a markdown file into the HTML page served at the
// root. A missing or unreadable file yields nil, and the root serves 404.
func RenderDocs(path string) []byte {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert(raw, &buf); err != nil {
		return nil
	}
	return []byte(fmt.Sprintf(docsPageTemplate, buf.String()))
}
