package query

import (
	"fmt"
	"maps"

	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/stephnangue/splatauth/logger"
)

// Builder turns query names and variables into envelopes using a catalog.
type Builder struct {
	catalog *Catalog
	logger  *logger.GatedLogger
}

func NewBuilder(catalog *Catalog, log *logger.GatedLogger) *Builder {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Builder{catalog: catalog, logger: log.WithSubsystem("query")}
}

// Build returns the envelope for name with vars. Variables the catalog does
// not know for the query are passed through.
func (b *Builder) Build(name string, vars map[string]interface{}) (*Envelope, error) {
	entry, ok := b.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	for _, v := range entry.Required {
		if val, ok := vars[v]; !ok || val == nil {
			return nil, fmt.Errorf("%w: %s requires %q", ErrMissingVariable, entry.Name, v)
		}
	}
	for v := range vars {
		if !strutil.StrListContains(entry.Required, v) && !strutil.StrListContains(entry.Optional, v) {
			b.logger.Debug("passing unlisted variable",
				logger.String("query", entry.Name),
				logger.String("variable", v))
		}
	}
	return &Envelope{Name: entry.Name, Hash: entry.Hash, Variables: maps.Clone(vars)}, nil
}
