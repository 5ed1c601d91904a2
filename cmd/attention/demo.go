package main

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/floats"

	"goattn/pkg/attention"
	"goattn/pkg/tensor"
)

type demoOptions struct {
	Batch    int
	SeqLen   int
	Valid    int
	ModelDim int
	Heads    int
	KeyDim   int
	ValueDim int
	Seed     uint64
	Threads  uint
}

// maskStats summarises attention weights against a key mask.
type maskStats struct {
	MaxMasked   float64 // largest weight on a masked key
	MinRowSum   float64 // smallest per-row sum over unmasked keys
	MaxRowSum   float64 // largest per-row sum over unmasked keys
	Rows        int
	NaNRows     int
	MaskedCount int
}

func (o demoOptions) validate() error {
	switch {
	case o.Batch < 1:
		return fmt.Errorf("%w: batch must be positive, got %d", attention.ErrInvalidConfig, o.Batch)
	case o.SeqLen < 1:
		return fmt.Errorf("%w: seq must be positive, got %d", attention.ErrInvalidConfig, o.SeqLen)
	case o.Valid < 0 || o.Valid > o.SeqLen:
		return fmt.Errorf("%w: valid must be in [0, %d], got %d", attention.ErrInvalidConfig, o.SeqLen, o.Valid)
	}
	return nil
}

func runDemo(w io.Writer, opts demoOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	tensor.SetNumThreads(int(opts.Threads))

	mha, err := attention.NewMultiHeadAttention(attention.Config{
		ModelDim: opts.ModelDim,
		NumHeads: opts.Heads,
		KeyDim:   opts.KeyDim,
		ValueDim: opts.ValueDim,
		Seed:     opts.Seed,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))
	inShape := []int{opts.Batch, opts.SeqLen, opts.ModelDim}
	q := tensor.Uniform(inShape, -1, 1, rng)
	k := tensor.Uniform(inShape, -1, 1, rng)
	v := tensor.Uniform(inShape, -1, 1, rng)

	lengths := make([]int, opts.Batch)
	for i := range lengths {
		lengths[i] = opts.Valid
	}
	mask, err := tensor.PaddingMask(opts.SeqLen, lengths)
	if err != nil {
		return err
	}

	start := time.Now()
	output, weights, err := mha.Forward(q, k, v, mask)
	if err != nil {
		return err
	}
	slog.Debug("forward pass complete", "duration", time.Since(start), "threads", tensor.NumThreads())

	stats, err := summarize(weights, mask)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Tensor", "Shape"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"query/key/value", q.ShapeString()})
	table.Append([]string{"mask", mask.ShapeString()})
	table.Append([]string{"output", output.ShapeString()})
	table.Append([]string{"attention weights", weights.ShapeString()})
	table.Render()

	fmt.Fprintf(w, "parameters:             %d\n", mha.NumParams())
	fmt.Fprintf(w, "max masked weight:      %.3g\n", stats.MaxMasked)
	fmt.Fprintf(w, "unmasked row sum range: [%.6f, %.6f]\n", stats.MinRowSum, stats.MaxRowSum)
	if stats.NaNRows > 0 {
		fmt.Fprintf(w, "fully masked rows:      %d of %d (NaN weights)\n", stats.NaNRows, stats.Rows)
	}
	return nil
}

// summarize checks weights (batch, heads, seq_q, seq_k) against a mask
// broadcastable to (batch, 1, seq_q, seq_k) after a head axis is inserted.
func summarize(weights, mask *tensor.Tensor) (maskStats, error) {
	mask, err := mask.Unsqueeze(1)
	if err != nil {
		return maskStats{}, err
	}
	mask, err = mask.BroadcastTo(weights.Shape)
	if err != nil {
		return maskStats{}, err
	}

	rowLen := weights.Shape[weights.NumDims()-1]
	stats := maskStats{MinRowSum: math.Inf(1), MaxRowSum: math.Inf(-1)}
	kept := make([]float64, 0, rowLen)
	for off := 0; off+rowLen <= len(weights.Data); off += rowLen {
		stats.Rows++
		row := weights.Data[off : off+rowLen]
		if slices.ContainsFunc(row, func(x float32) bool { return math.IsNaN(float64(x)) }) {
			stats.NaNRows++
			continue
		}

		kept = kept[:0]
		for j, x := range row {
			if mask.Data[off+j] != 0 {
				stats.MaskedCount++
				stats.MaxMasked = math.Max(stats.MaxMasked, float64(x))
				continue
			}
			kept = append(kept, float64(x))
		}

		sum := floats.Sum(kept)
		stats.MinRowSum = math.Min(stats.MinRowSum, sum)
		stats.MaxRowSum = math.Max(stats.MaxRowSum, sum)
	}
	return stats, nil
}
