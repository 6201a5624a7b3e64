package moe

import (
	"fmt"
	"log/slog"

	"github.com/kelpie-ml/kelpie/distributed"
	"github.com/kelpie-ml/kelpie/ml"
)

// Mode is the routing execution path for one step, resolved once per
// forward call rather than branched on at each site.
type Mode int

const (
	// ModeLocal sorts and gathers pairs on-rank; under expert parallelism
	// every rank computes its owned experts over the full batch and the
	// partial outputs are all-reduced.
	ModeLocal Mode = iota

	// ModeDispatch exchanges token rows across ranks with a paired
	// all-to-all dispatch/combine so each pair is computed exactly once, on
	// the rank owning its expert.
	ModeDispatch
)

func (m Mode) String() string {
	if m == ModeDispatch {
		return "dispatch"
	}
	return "local"
}

// Config describes one MoE layer.
type Config struct {
	NumExperts int
	HiddenSize int
	InterSize  int

	Router RouterOptions

	// EP is the expert-parallel group; nil means single rank. DP, when
	// non-nil with more than one rank, gathers the step's tokens across
	// data-parallel peers before routing and scatters the result after.
	// DP requires EP to span the same ranks: each rank computes only its
	// owned experts and the reduce-scatter completes the sum.
	EP distributed.Group
	DP distributed.Group

	// ForceDispatch selects ModeDispatch even for prefill steps, which
	// otherwise stay local to avoid moving large activations.
	ForceDispatch bool
}

// Layer is one sparse MoE layer: router, permutation, expert transform and
// combine. It holds no per-step state; Forward may be called once per step
// per rank, in lockstep across the expert-parallel group.
type Layer struct {
	backend ml.Backend
	cfg     Config

	expertMap  *ExpertMap
	experts    *Experts
	dispatcher *Dispatcher
}

func NewLayer(backend ml.Backend, cfg Config, experts *Experts) (*Layer, error) {
	if cfg.Router.CustomRouting != nil {
		return nil, ErrCustomRouting
	}

	if cfg.EP == nil {
		cfg.EP = distributed.Single()
	}

	var m *ExpertMap
	if cfg.EP.WorldSize() > 1 {
		var err error
		m, err = DetermineExpertMap(cfg.EP.WorldSize(), cfg.EP.Rank(), cfg.NumExperts)
		if err != nil {
			return nil, err
		}
	} else {
		m = AllLocal(cfg.NumExperts)
	}

	if err := experts.validate(m.NumLocal(), cfg.HiddenSize, cfg.InterSize); err != nil {
		return nil, err
	}

	return &Layer{
		backend:    backend,
		cfg:        cfg,
		expertMap:  m,
		experts:    experts,
		dispatcher: NewDispatcher(cfg.EP, m),
	}, nil
}

func (l *Layer) ExpertMap() *ExpertMap { return l.expertMap }

// Forward routes each token to its experts and returns the combined
// (numTokens, hiddenSize) output. hidden is (numTokens, hiddenSize) and
// logits (numTokens, NumExperts). isPrefill steers mode selection only;
// both modes produce the same values.
func (l *Layer) Forward(ctx ml.Context, hidden, logits ml.Tensor, isPrefill bool) (ml.Tensor, error) {
	numTokens := hidden.Dim(0)
	h := l.cfg.HiddenSize

	if hidden.Dim(1) != h || logits.Dim(0) != numTokens || logits.Dim(1) != l.cfg.NumExperts {
		return nil, fmt.Errorf("moe: hidden %v / logits %v inconsistent with layer (%d experts, hidden %d)",
			hidden.Shape(), logits.Shape(), l.cfg.NumExperts, h)
	}

	hf := hidden.Floats()
	lf := logits.Floats()

	mode := ModeLocal
	if l.cfg.EP.WorldSize() > 1 && (l.cfg.ForceDispatch || !isPrefill) {
		mode = ModeDispatch
	}

	// In dispatch mode each rank exchanges its own tokens; data-parallel
	// peers only pool their batches on the local path, where every rank
	// computes its owned experts over the global token population and the
	// reduce-scatter both sums the partials and splits the result.
	dataParallel := mode == ModeLocal && l.cfg.DP != nil && l.cfg.DP.WorldSize() > 1
	if dataParallel {
		if l.cfg.EP.WorldSize() < 2 {
			return nil, fmt.Errorf("moe: data-parallel pooling needs expert parallelism")
		}

		var err error
		if hf, err = l.cfg.DP.AllGather(hf); err != nil {
			return nil, err
		}
		if lf, err = l.cfg.DP.AllGather(lf); err != nil {
			return nil, err
		}
		numTokens *= l.cfg.DP.WorldSize()
	}

	weights, ids, err := SelectExperts(lf, numTokens, l.cfg.NumExperts, l.cfg.Router)
	if err != nil {
		return nil, err
	}

	slog.Debug("moe forward", "tokens", numTokens, "mode", mode, "prefill", isPrefill)

	out := make([]float32, numTokens*h)

	switch mode {
	case ModeLocal:
		if err := l.forwardLocal(ctx, out, hf, ids, weights, !dataParallel); err != nil {
			return nil, err
		}
	case ModeDispatch:
		if err := l.forwardDispatch(ctx, out, hf, ids, weights); err != nil {
			return nil, err
		}
	}

	if dataParallel {
		if out, err = l.cfg.DP.ReduceScatterSum(out); err != nil {
			return nil, err
		}
		numTokens /= l.cfg.DP.WorldSize()
	}

	return ctx.FromFloats(out, numTokens, h), nil
}

func (l *Layer) forwardLocal(ctx ml.Context, out, hidden []float32, ids []int32, weights []float32, reduce bool) error {
	plan := BuildPlan(ids, weights, l.expertMap, l.cfg.Router.TopK)

	rows := ctx.FromFloats(plan.Gather(hidden, l.cfg.HiddenSize), len(plan.Perm), l.cfg.HiddenSize)
	expertOut := l.experts.Compute(ctx, l.backend, rows, plan.GroupBounds)

	plan.Combine(out, expertOut.Floats(), l.cfg.HiddenSize)

	// Each rank only computed its owned experts' share of every token.
	if reduce && l.cfg.EP.WorldSize() > 1 {
		return l.cfg.EP.AllReduceSum(out)
	}

	return nil
}

func (l *Layer) forwardDispatch(ctx ml.Context, out, hidden []float32, ids []int32, weights []float32) error {
	batch, err := l.dispatcher.Dispatch(hidden, l.cfg.HiddenSize, ids, l.cfg.Router.TopK)
	if err != nil {
		return err
	}

	rows := ctx.FromFloats(batch.Rows, batch.NumRows, l.cfg.HiddenSize)
	expertOut := l.experts.Compute(ctx, l.backend, rows, batch.GroupBounds)

	return l.dispatcher.Combine(out, batch, expertOut.Floats(), weights, l.cfg.Router.TopK)
}
