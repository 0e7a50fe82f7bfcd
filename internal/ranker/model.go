package ranker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"selfheal/internal/features"
	"selfheal/internal/healing"
)

// Model artifact kinds.
const (
	KindLogistic     = "logistic"
	KindTreeEnsemble = "tree_ensemble"
)

// Artifact is the on-disk model format produced by the offline training job.
type Artifact struct {
	SchemaVersion int    `json:"schema_version"`
	Kind          string `json:"kind"`

	Logistic     *Logistic     `json:"logistic,omitempty"`
	TreeEnsemble *TreeEnsemble `json:"tree_ensemble,omitempty"`
}

// Logistic is sigmoid(bias + Σ weight[name] × feature[name]).
type Logistic struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// Score implements Scorer.
func (m *Logistic) Score(v features.Vector) float64 {
	z := m.Bias
	vals := v.Values()
	// Fixed order keeps the float sum reproducible.
	for i, name := range features.Names {
		z += m.Weights[name] * vals[i]
	}
	return sigmoid(z)
}

// TreeEnsemble is a gradient-boosted ensemble of binary regression trees:
// sigmoid(base_score + learning_rate × Σ leaf values).
type TreeEnsemble struct {
	BaseScore    float64 `json:"base_score"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []Tree  `json:"trees"`
}

// Tree is a flat array of nodes; node 0 is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode is a split (feature <= threshold goes left) or a leaf.
type TreeNode struct {
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
	Feature   string  `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Score implements Scorer.
func (m *TreeEnsemble) Score(v features.Vector) float64 {
	sum := 0.0
	for _, t := range m.Trees {
		sum += t.eval(v)
	}
	return sigmoid(m.BaseScore + m.LearningRate*sum)
}

func (t Tree) eval(v features.Vector) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		x, _ := v.Get(n.Feature)
		if x <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// validate requires known features and children that point forward, which
// keeps evaluation acyclic.
func (t Tree) validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			continue
		}
		if _, ok := (features.Vector{}).Get(n.Feature); !ok {
			return fmt.Errorf("node %d: unknown feature %q", i, n.Feature)
		}
		for _, c := range []int{n.Left, n.Right} {
			if c <= i || c >= len(t.Nodes) {
				return fmt.Errorf("node %d: child %d out of range", i, c)
			}
		}
	}
	return nil
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

// ParseModel decodes and validates an artifact.
//
// Errors:
//   - Every failure wraps healing.ErrModelUnavailable: malformed JSON, a
//     schema version other than features.SchemaVersion, an unknown kind, or
//     a model that references unknown features.
func ParseModel(data []byte) (Scorer, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decode model: %v", healing.ErrModelUnavailable, err)
	}
	if a.SchemaVersion != features.SchemaVersion {
		return nil, fmt.Errorf("%w: model schema version %d, features are version %d",
			healing.ErrModelUnavailable, a.SchemaVersion, features.SchemaVersion)
	}

	switch a.Kind {
	case KindLogistic:
		if a.Logistic == nil {
			return nil, fmt.Errorf("%w: logistic model has no parameters", healing.ErrModelUnavailable)
		}
		for name := range a.Logistic.Weights {
			if _, ok := (features.Vector{}).Get(name); !ok {
				return nil, fmt.Errorf("%w: unknown feature %q", healing.ErrModelUnavailable, name)
			}
		}
		return a.Logistic, nil
	case KindTreeEnsemble:
		if a.TreeEnsemble == nil || len(a.TreeEnsemble.Trees) == 0 {
			return nil, fmt.Errorf("%w: tree ensemble has no trees", healing.ErrModelUnavailable)
		}
		for i, t := range a.TreeEnsemble.Trees {
			if err := t.validate(); err != nil {
				return nil, fmt.Errorf("%w: tree %d: %v", healing.ErrModelUnavailable, i, err)
			}
		}
		return a.TreeEnsemble, nil
	default:
		return nil, fmt.Errorf("%w: unknown model kind %q", healing.ErrModelUnavailable, a.Kind)
	}
}

// LoadModel reads and parses the artifact at path.
//
// Errors:
//   - A missing or unreadable file wraps healing.ErrModelUnavailable, so
//     callers can fall back to rule-only ranking with a single errors.Is.
func LoadModel(path string) (Scorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", healing.ErrModelUnavailable, err)
	}
	return ParseModel(data)
}
