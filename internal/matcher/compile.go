package matcher

import (
	"regexp"
	"sync"

	"github.com/rotisserie/eris"
)

// MaxPatternLength bounds stored patterns. Longer patterns are treated as unsafe.
const MaxPatternLength = 1000

const maxCachedPatterns = 4096

// ErrUnsafePattern is returned for patterns rejected before compilation.
var ErrUnsafePattern = eris.New("matcher: unsafe pattern")

type compiled struct {
	re  *regexp.Regexp
	err error
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]compiled)
)

// Compile sanitizes and compiles a stored pattern. Results, including
// failures, are cached by the raw pattern string.
func Compile(pattern string) (*regexp.Regexp, error) {
	cacheMu.RLock()
	c, ok := cache[pattern]
	cacheMu.RUnlock()
	if ok {
		return c.re, c.err
	}

	c = compilePattern(pattern)

	cacheMu.Lock()
	if len(cache) >= maxCachedPatterns {
		cache = make(map[string]compiled)
	}
	cache[pattern] = c
	cacheMu.Unlock()
	return c.re, c.err
}

func compilePattern(pattern string) compiled {
	clean := Sanitize(pattern)
	if clean == "" {
		return compiled{err: eris.Wrap(ErrUnsafePattern, "empty pattern")}
	}
	if len(clean) > MaxPatternLength {
		return compiled{err: eris.Wrapf(ErrUnsafePattern, "pattern length %d exceeds %d", len(clean), MaxPatternLength)}
	}
	re, err := regexp.Compile(clean)
	if err != nil {
		return compiled{err: eris.Wrapf(err, "matcher: compile %q", clean)}
	}
	return compiled{re: re}
}

// Capture applies re to text and returns the first capturing group if the
// pattern has one, else the whole match. Empty means no usable match.
func Capture(re *regexp.Regexp, text string) string {
	sub := re.FindStringSubmatch(text)
	if sub == nil {
		return ""
	}
	if re.NumSubexp() > 0 {
		return sub[1]
	}
	return sub[0]
}
