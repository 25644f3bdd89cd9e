package classifier

import (
	"fmt"
	"time"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Source describes where scores come from.
type Source struct {
	// ModelPath is a YAML softmax model file.
	ModelPath string
	// URL is a remote model server. It takes precedence over ModelPath.
	URL     string
	Timeout time.Duration
	// CacheTTL wraps the scorer in a Cached when positive.
	CacheTTL time.Duration
}

// Open builds the scorer described by src.
func Open(src Source) (attack.Scorer, error) {
	var scorer attack.Scorer
	switch {
	case src.URL != "":
		scorer = NewHTTPScorer(src.URL, src.Timeout)
	case src.ModelPath != "":
		m, err := LoadSoftmax(src.ModelPath)
		if err != nil {
			return nil, err
		}
		scorer = m
	default:
		return nil, fmt.Errorf("no model path or scorer URL configured")
	}
	if src.CacheTTL > 0 {
		scorer = NewCached(scorer, src.CacheTTL)
	}
	return scorer, nil
}
