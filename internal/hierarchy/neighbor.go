package hierarchy

import (
	"context"
	"fmt"
	"strings"

	"selfheal/internal/healing"
	"selfheal/internal/markup"
	"selfheal/internal/textsim"
)

func textSim(idx *markup.Index, id markup.NodeID, hint string) float64 {
	return textsim.TextSimilarity(idx.TextOf(id), hint)
}

// neighbors finds elements whose element siblings carry the hinted previous
// or next text. Confidence is NeighborWeight × the mean similarity over the
// hints given.
func (s *Searcher) neighbors(ctx context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	prevHint := strings.TrimSpace(hctx.PrevSiblingText)
	nextHint := strings.TrimSpace(hctx.NextSiblingText)
	hints := 0
	if prevHint != "" {
		hints++
	}
	if nextHint != "" {
		hints++
	}
	if hints == 0 {
		return nil
	}

	sums := map[markup.NodeID]float64{}
	var order []markup.NodeID
	add := func(id markup.NodeID, sim float64) {
		if _, ok := sums[id]; !ok {
			order = append(order, id)
		}
		sums[id] += sim
	}

	for i, id := range idx.Order() {
		if s.cfg.ScanCap > 0 && i >= s.cfg.ScanCap {
			break
		}
		if i%checkEvery == 0 && ctx.Err() != nil {
			break
		}
		if idx.Node(id).Parent == markup.NoNode {
			continue
		}
		prev, next := idx.ElementSiblings(id)
		if prevHint != "" && next != markup.NoNode {
			if sim := textSim(idx, id, prevHint); sim >= s.cfg.NeighborFloor {
				add(next, sim)
			}
		}
		if nextHint != "" && prev != markup.NoNode {
			if sim := textSim(idx, id, nextHint); sim >= s.cfg.NeighborFloor {
				add(prev, sim)
			}
		}
	}

	out := make([]healing.Candidate, 0, len(order))
	for _, id := range order {
		mean := sums[id] / float64(hints)
		reason := fmt.Sprintf("sibling text matches (%.2f)", mean)
		out = append(out, healing.NewCandidate(idx.SelectorFor(id), healing.SourceHierarchy, "neighbor", reason, s.cfg.NeighborWeight*mean, id))
	}
	return s.top(out)
}
