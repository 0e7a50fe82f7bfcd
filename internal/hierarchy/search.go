// Package hierarchy finds elements that moved in the tree by exploring around
// stable anchor text, sibling text and the element's last known markup.
//
// Every sub-strategy is bounded by configuration (levels, depth, breadth and
// scan caps) so its cost depends on the caps, not on the raw document size.
package hierarchy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"selfheal/internal/healing"
	"selfheal/internal/markup"
)

// Config bounds and weights the search.
type Config struct {
	AnchorFloor      float64 `mapstructure:"anchor_floor"`
	MaxAnchorMatches int     `mapstructure:"max_anchor_matches"`
	AncestorLevels   int     `mapstructure:"ancestor_levels"`
	DescendantDepth  int     `mapstructure:"descendant_depth"`
	BreadthCap       int     `mapstructure:"breadth_cap"`
	Decay            float64 `mapstructure:"decay"`

	NeighborFloor  float64 `mapstructure:"neighbor_floor"`
	NeighborWeight float64 `mapstructure:"neighbor_weight"`

	SubtreeFloor    float64 `mapstructure:"subtree_floor"`
	HeightTolerance int     `mapstructure:"height_tolerance"`

	// ScanCap bounds full-document scans (neighbor and subtree).
	ScanCap int `mapstructure:"scan_cap"`
	// MaxCandidates bounds the output of each sub-strategy.
	MaxCandidates int `mapstructure:"max_candidates"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AnchorFloor:      0.60,
		MaxAnchorMatches: 5,
		AncestorLevels:   3,
		DescendantDepth:  4,
		BreadthCap:       200,
		Decay:            0.85,
		NeighborFloor:    0.60,
		NeighborWeight:   0.85,
		SubtreeFloor:     0.30,
		HeightTolerance:  1,
		ScanCap:          5000,
		MaxCandidates:    20,
	}
}

const checkEvery = 64

// Searcher runs the anchor, neighbor and subtree sub-strategies.
type Searcher struct {
	cfg Config
	log *zap.Logger
}

// New builds a Searcher. A nil logger is replaced with zap.NewNop().
func New(cfg Config, log *zap.Logger) *Searcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Searcher{cfg: cfg, log: log}
}

// Name implements healing.Producer.
func (s *Searcher) Name() string { return "hierarchy" }

// Produce runs every applicable sub-strategy. When ctx is done the
// candidates found so far are returned with ctx.Err().
func (s *Searcher) Produce(ctx context.Context, idx *markup.Index, hctx *healing.Context) ([]healing.Candidate, error) {
	subs := []struct {
		name string
		fn   func(context.Context, *markup.Index, *healing.Context) []healing.Candidate
	}{
		{"anchor", s.anchors},
		{"neighbor", s.neighbors},
		{"subtree", s.subtree},
	}
	var out []healing.Candidate
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		got := s.run(ctx, sub.name, sub.fn, idx, hctx)
		if len(got) > 0 {
			s.log.Debug("sub-strategy produced candidates", zap.String("strategy", sub.name), zap.Int("count", len(got)))
		}
		out = append(out, got...)
	}
	return out, ctx.Err()
}

func (s *Searcher) run(ctx context.Context, name string, fn func(context.Context, *markup.Index, *healing.Context) []healing.Candidate, idx *markup.Index, hctx *healing.Context) (out []healing.Candidate) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Warn("sub-strategy panicked", zap.String("strategy", name), zap.String("panic", fmt.Sprint(p)))
			out = nil
		}
	}()
	return fn(ctx, idx, hctx)
}

// top sorts by confidence (stable on discovery order) and truncates.
func (s *Searcher) top(cs []healing.Candidate) []healing.Candidate {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Confidence > cs[j].Confidence })
	if s.cfg.MaxCandidates > 0 && len(cs) > s.cfg.MaxCandidates {
		cs = cs[:s.cfg.MaxCandidates]
	}
	return cs
}

// anchors explores the ancestors of every element matching an anchor text.
//
// A descendant d of an ancestor of anchor node a scores
//
//	anchorSim × (0.5 + 0.5 × plausibility) × decay^(dist(a,d) − 1) × siblingFactor
//
// where siblingFactor is 0.75 + 0.25 × siblingSim when sibling hints exist and
// 1 otherwise. The anchor itself and its ancestors are never candidates,
// except the clickable element the anchor text labels (healing.ActionTarget),
// which is scored at its own distance.
func (s *Searcher) anchors(ctx context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	best := map[markup.NodeID]healing.Candidate{}
	var order []markup.NodeID

	for _, text := range hctx.Anchors {
		matches := idx.MatchText(text, s.cfg.AnchorFloor)
		if len(matches) > s.cfg.MaxAnchorMatches && s.cfg.MaxAnchorMatches > 0 {
			matches = matches[:s.cfg.MaxAnchorMatches]
		}
		for _, m := range matches {
			if ctx.Err() != nil {
				return s.collect(best, order)
			}
			consider := func(d markup.NodeID) {
				dist := idx.Distance(m.Node, d)
				n := idx.Node(d)
				score := m.Score *
					(0.5 + 0.5*healing.Plausibility(n, hctx.Action)) *
					math.Pow(s.cfg.Decay, float64(dist-1)) *
					siblingFactor(idx, d, hctx)
				if prev, ok := best[d]; ok && prev.Confidence >= score {
					return
				}
				if _, ok := best[d]; !ok {
					order = append(order, d)
				}
				reason := fmt.Sprintf("%d steps from anchor %q (%.2f)", dist, text, m.Score)
				best[d] = healing.NewCandidate(idx.SelectorFor(d), healing.SourceHierarchy, "anchor", reason, score, d)
			}

			excluded := map[markup.NodeID]bool{m.Node: true}
			for _, a := range idx.Ancestors(m.Node, 0) {
				excluded[a] = true
			}
			if target := healing.ActionTarget(idx, m.Node, hctx.Action); target != m.Node {
				consider(target)
			}

			visited := 0
			seen := map[markup.NodeID]bool{}
			for _, anc := range idx.Ancestors(m.Node, s.cfg.AncestorLevels) {
				s.walkDown(idx, anc, func(d markup.NodeID) bool {
					if s.cfg.BreadthCap > 0 && visited >= s.cfg.BreadthCap {
						return false
					}
					if seen[d] {
						return true
					}
					seen[d] = true
					visited++
					if !excluded[d] {
						consider(d)
					}
					return true
				})
			}
		}
	}
	return s.collect(best, order)
}

func (s *Searcher) collect(best map[markup.NodeID]healing.Candidate, order []markup.NodeID) []healing.Candidate {
	out := make([]healing.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return s.top(out)
}

// walkDown visits descendants of root breadth-first, at most DescendantDepth
// levels below it, until visit returns false.
func (s *Searcher) walkDown(idx *markup.Index, root markup.NodeID, visit func(markup.NodeID) bool) {
	type item struct {
		id    markup.NodeID
		level int
	}
	queue := []item{{root, 0}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.level >= s.cfg.DescendantDepth {
			continue
		}
		for _, c := range idx.Node(it.id).Children {
			if !visit(c) {
				return
			}
			queue = append(queue, item{c, it.level + 1})
		}
	}
}

// siblingFactor rewards elements whose element siblings carry the hinted text.
func siblingFactor(idx *markup.Index, id markup.NodeID, hctx *healing.Context) float64 {
	if !hctx.HasSiblingHints() {
		return 1
	}
	return 0.75 + 0.25*siblingSimilarity(idx, id, hctx)
}

// siblingSimilarity is the mean similarity of the hinted sibling texts to the
// element's actual siblings.
func siblingSimilarity(idx *markup.Index, id markup.NodeID, hctx *healing.Context) float64 {
	prev, next := idx.ElementSiblings(id)
	var sum float64
	var n int
	if hctx.PrevSiblingText != "" {
		n++
		if prev != markup.NoNode {
			sum += textSim(idx, prev, hctx.PrevSiblingText)
		}
	}
	if hctx.NextSiblingText != "" {
		n++
		if next != markup.NoNode {
			sum += textSim(idx, next, hctx.NextSiblingText)
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
