// MODUL: onnx/inputs
// ZWECK: Aufbau der benannten Modell-Inputs aus ml.Tensor-Werten
// INPUT: Sample, Timestep, Text-Embeddings, gepoolte Embeddings
// OUTPUT: []input fuer Session.Run
// HINWEISE: Ohne Build-Tag, damit die Input-Logik ohne CGO testbar ist

package onnx

import (
	"fmt"

	"github.com/7blacky7/sdgen/ml"
)

// input ist ein Wert fuer einen Modell-Input; floats oder ints ist gesetzt
type input struct {
	name   string
	shape  []int64
	floats []float32
	ints   []int64
}

// unetLayout beschreibt, welche Inputs ein UNet-Export erwartet
type unetLayout struct {
	timestepRank int  // 0: Skalar, sonst [B]
	xl           bool // text_embeds und time_ids
}

// unetInputs baut die Inputs eines UNet-Aufrufs. Bei XL-Exporten ist pooled
// Pflicht und muss die Batch-Groesse von sample haben.
func unetInputs(n Names, layout unetLayout, sample *ml.Tensor, timestep float64, emb, pooled *ml.Tensor) ([]input, error) {
	batch := sample.Dim(0)

	ts := input{name: n.Timestep, floats: []float32{float32(timestep)}}
	if layout.timestepRank > 0 {
		ts.shape = []int64{int64(batch)}
		ts.floats = make([]float32, batch)
		for i := range ts.floats {
			ts.floats[i] = float32(timestep)
		}
	}

	in := []input{
		{name: n.Sample, shape: shape64(sample), floats: sample.Floats()},
		ts,
		{name: n.EncoderHidden, shape: shape64(emb), floats: emb.Floats()},
	}
	if !layout.xl {
		return in, nil
	}

	if pooled == nil {
		return nil, fmt.Errorf("%w: %s erwartet gepoolte text-embeddings", ErrInference, n.TextEmbeds)
	}
	if pooled.Dim(0) != batch {
		return nil, fmt.Errorf("%w: %s batch %d, sample batch %d", ml.ErrShapeMismatch, n.TextEmbeds, pooled.Dim(0), batch)
	}

	h, w := sample.Dim(2)*8, sample.Dim(3)*8
	ids := make([]float32, 0, batch*6)
	for range batch {
		ids = append(ids, timeIDs(h, w)...)
	}
	return append(in,
		input{name: n.TextEmbeds, shape: shape64(pooled), floats: pooled.Floats()},
		input{name: n.TimeIDs, shape: []int64{int64(batch), 6}, floats: ids},
	), nil
}
