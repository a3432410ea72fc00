package watermark

// Document is externally rendered content. The composer decorates it but
// never typesets or mutates it.
type Document struct {
	Title       string   `json:"title"`
	ContentType string   `json:"contentType"`
	Pages       []string `json:"pages"`
}

// Page is one rendered page with its overlay attached.
type Page struct {
	Number  int     `json:"number"`
	Content string  `json:"content"`
	Overlay Overlay `json:"overlay"`
}

// Rendered is a decorated copy of a Document.
type Rendered struct {
	Title       string `json:"title"`
	ContentType string `json:"contentType"`
	Pages       []Page `json:"pages"`
	Info        Info   `json:"watermark"`
}

// Apply returns a decorated copy of doc. doc itself is left unchanged.
func Apply(doc Document, info Info, overlay Overlay) Rendered {
	out := Rendered{
		Title:       doc.Title,
		ContentType: doc.ContentType,
		Pages:       make([]Page, len(doc.Pages)),
		Info:        info,
	}
	for i, content := range doc.Pages {
		o := overlay
		o.Lines = append([]string(nil), overlay.Lines...)
		out.Pages[i] = Page{Number: i + 1, Content: content, Overlay: o}
	}
	return out
}
