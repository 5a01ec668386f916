// Package pdfreader implements locate.PageReader over ledongthuc/pdf text runs.
package pdfreader

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"

	"github.com/sells-group/formextract/internal/locate"
	"github.com/sells-group/formextract/internal/model"
)

// DefaultContextWords is how many neighbouring words are returned on each side.
const DefaultContextWords = 3

// Option configures a Reader.
type Option func(*Reader)

// WithContextWords sets the number of context words per side.
func WithContextWords(n int) Option {
	return func(r *Reader) {
		if n >= 0 {
			r.contextWords = n
		}
	}
}

// Reader serves bbox text queries for one open PDF. Page layouts are parsed
// once and cached; it is safe for concurrent use.
type Reader struct {
	file         *os.File
	doc          *pdf.Reader
	contextWords int

	mu    sync.Mutex
	pages map[int][]word
}

var _ locate.PageReader = (*Reader)(nil)

// Open opens the PDF at path.
func Open(path string, opts ...Option) (*Reader, error) {
	f, doc, err := pdf.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pdfreader: open %s", path)
	}
	r := &Reader{
		file:         f,
		doc:          doc,
		contextWords: DefaultContextWords,
		pages:        make(map[int][]word),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// NumPage returns the page count.
func (r *Reader) NumPage() int {
	return r.doc.NumPage()
}

// GetText returns the words whose centre falls inside bbox, plus up to
// contextWords words on either side in reading order.
func (r *Reader) GetText(ctx context.Context, page int, bbox model.BBox) (locate.PageText, error) {
	if err := ctx.Err(); err != nil {
		return locate.PageText{}, err
	}
	words, err := r.pageWords(page)
	if err != nil {
		return locate.PageText{}, err
	}
	return selectRegion(words, bbox, r.contextWords), nil
}

func (r *Reader) pageWords(page int) ([]word, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.pages[page]; ok {
		return w, nil
	}
	if page < 1 || page > r.doc.NumPage() {
		return nil, eris.Errorf("pdfreader: page %d out of range (1-%d)", page, r.doc.NumPage())
	}

	texts, err := pageContent(r.doc.Page(page))
	if err != nil {
		return nil, eris.Wrapf(err, "pdfreader: page %d", page)
	}
	w := groupWords(texts)
	r.pages[page] = w
	return w, nil
}

// pageContent guards against panics the parser raises on malformed streams.
func pageContent(p pdf.Page) (texts []pdf.Text, err error) {
	if p.V.IsNull() {
		return nil, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed content stream: %v", rec)
		}
	}()
	return p.Content().Text, nil
}
