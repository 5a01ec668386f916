// Package locate pulls raw text and context words for each field location.
package locate

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/model"
)

// PageText is what a page reader returns for one region.
type PageText struct {
	Text        string
	WordsBefore []string
	WordsAfter  []string
}

// PageReader reads positioned text from a rendered document.
type PageReader interface {
	GetText(ctx context.Context, page int, bbox model.BBox) (PageText, error)
}

// Located is the text found at one field location.
type Located struct {
	Location model.FieldLocation
	PageText
	Err error
}

// Empty reports whether nothing usable was found.
func (l Located) Empty() bool {
	return l.Text == ""
}

// Extract reads every location of a field, in location-index order. A read
// failure or invalid box yields an empty entry rather than an error so the
// field still produces a none-method candidate.
func Extract(ctx context.Context, reader PageReader, field model.FieldConfig) []Located {
	locs := make([]model.FieldLocation, len(field.Locations))
	copy(locs, field.Locations)
	sort.SliceStable(locs, func(i, j int) bool { return locs[i].Index < locs[j].Index })

	out := make([]Located, 0, len(locs))
	for _, loc := range locs {
		if ctx.Err() != nil {
			out = append(out, Located{Location: loc, Err: ctx.Err()})
			continue
		}
		if !loc.BBox.Valid() || loc.Page < 1 {
			out = append(out, Located{Location: loc, Err: eris.Errorf("locate: invalid location %d for %s", loc.Index, field.Name)})
			continue
		}
		pt, err := reader.GetText(ctx, loc.Page, loc.BBox)
		if err != nil {
			zap.L().Warn("locate: read failed",
				zap.String("field", field.Name),
				zap.Int("page", loc.Page),
				zap.Int("location", loc.Index),
				zap.Error(err),
			)
			out = append(out, Located{Location: loc, Err: err})
			continue
		}
		out = append(out, Located{Location: loc, PageText: pt})
	}
	return out
}
