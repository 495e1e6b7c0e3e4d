// Package query maps persisted-query names to their hashes and shapes the
// authenticated SplatNet GraphQL request for them.
package query

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/armon/go-radix"
	"github.com/stephnangue/splatauth/logger"
)

// Entry is one persisted query.
type Entry struct {
	Name     string
	Hash     string
	Required []string
	Optional []string
}

type schema struct {
	required []string
	optional []string
}

// schemas lists the variables of the queries that take any. Queries not
// listed here take none that the catalog knows of.
var schemas = map[string]schema{
	"VsHistoryDetailQuery":   {required: []string{"vsResultId"}},
	"CoopHistoryDetailQuery": {required: []string{"coopHistoryDetailId"}},
}

func init() {
	// the X ranking detail pages share one shape across modes
	for _, mode := range []string{"Ar", "Cl", "Gl", "LF"} {
		s := schema{required: []string{"id", "mode"}, optional: []string{"page", "cursor"}}
		schemas["DetailTabViewXRanking"+mode+"RefetchQuery"] = s
		schemas["DetailTabViewWeaponTops"+mode+"RefetchQuery"] = s
	}
}

// aliases are short names for the most used queries, matched without
// regard to case.
var aliases = map[string]string{
	"anarchy":        "BankaraBattleHistoriesQuery",
	"regular":        "RegularBattleHistoriesQuery",
	"turf":           "RegularBattleHistoriesQuery",
	"xbattle":        "XBattleHistoriesQuery",
	"private":        "PrivateBattleHistoriesQuery",
	"latest":         "LatestBattleHistoriesQuery",
	"challenge":      "EventBattleHistoriesQuery",
	"event":          "EventBattleHistoriesQuery",
	"salmon":         "CoopHistoryQuery",
	"salmon_run":     "CoopHistoryQuery",
	"coop":           "CoopHistoryQuery",
	"vs_detail":      "VsHistoryDetailQuery",
	"anarchy_detail": "VsHistoryDetailQuery",
	"turf_detail":    "VsHistoryDetailQuery",
	"regular_detail": "VsHistoryDetailQuery",
	"x_detail":       "VsHistoryDetailQuery",
	"xbattle_detail": "VsHistoryDetailQuery",
	"private_detail": "VsHistoryDetailQuery",
	"latest_detail":  "VsHistoryDetailQuery",
	"salmon_detail":  "CoopHistoryDetailQuery",
	"coop_detail":    "CoopHistoryDetailQuery",
	"schedule":       "StageScheduleQuery",
	"home":           "HomeQuery",
}

type snapshot struct {
	// entries is keyed by lower-cased name.
	entries *radix.Tree
	version string
}

// Catalog is the current name to hash table. It is safe for concurrent use;
// Replace swaps the whole table at once so readers never see a mix.
type Catalog struct {
	current atomic.Pointer[snapshot]
	logger  *logger.GatedLogger
}

func NewCatalog(log *logger.GatedLogger) *Catalog {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	c := &Catalog{logger: log.WithSubsystem("query")}
	c.current.Store(&snapshot{entries: radix.New()})
	return c
}

// Replace installs the hashes and web view version of ref.
func (c *Catalog) Replace(ref *Reference) error {
	if ref == nil || len(ref.Hashes) == 0 {
		return ErrEmptyReference
	}
	tree := radix.New()
	for name, hash := range ref.Hashes {
		if hash == "" {
			continue
		}
		s := schemas[name]
		tree.Insert(strings.ToLower(name), Entry{
			Name:     name,
			Hash:     hash,
			Required: s.required,
			Optional: s.optional,
		})
	}
	if tree.Len() == 0 {
		return ErrEmptyReference
	}
	prev := c.current.Swap(&snapshot{entries: tree, version: ref.Version})
	c.logger.Debug("query catalog replaced",
		logger.Int("queries", tree.Len()),
		logger.Int("previous", prev.entries.Len()),
		logger.String("web_view_version", ref.Version))
	return nil
}

// Refresh replaces the catalog with what src currently serves. On error the
// catalog keeps its previous content.
func (c *Catalog) Refresh(ctx context.Context, src Source) error {
	ref, err := src.Hashes(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh query catalog: %w", err)
	}
	return c.Replace(ref)
}

// Lookup resolves name, an exact query name or an alias, case-insensitively.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	snap := c.current.Load()
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = strings.ToLower(canonical)
	}
	v, ok := snap.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Names returns every query name in sorted order.
func (c *Catalog) Names() []string {
	snap := c.current.Load()
	names := make([]string, 0, snap.entries.Len())
	snap.entries.Walk(func(_ string, v interface{}) bool {
		names = append(names, v.(Entry).Name)
		return false
	})
	return names
}

func (c *Catalog) Len() int {
	return c.current.Load().entries.Len()
}

// WebViewVersion is the version published with the installed hashes, empty
// if the source did not carry one.
func (c *Catalog) WebViewVersion() string {
	return c.current.Load().version
}
