package onnx

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/7blacky7/sdgen/ml"
)

func inputByName(in []input, name string) (input, bool) {
	for _, x := range in {
		if x.name == name {
			return x, true
		}
	}
	return input{}, false
}

func TestUNetInputsPooled(t *testing.T) {
	n := DefaultNames()
	sample := ml.Zeros(2, 4, 8, 16)
	emb := ml.Zeros(2, 77, 2048)
	pooled, err := ml.Concat(0, ml.Full(1, 1, 1280), ml.Full(2, 1, 1280))
	if err != nil {
		t.Fatal(err)
	}

	in, err := unetInputs(n, unetLayout{timestepRank: 1, xl: true}, sample, 999, emb, pooled)
	if err != nil {
		t.Fatal(err)
	}

	te, ok := inputByName(in, n.TextEmbeds)
	if !ok {
		t.Fatal("text_embeds fehlt")
	}
	if diff := cmp.Diff([]int64{2, 1280}, te.shape); diff != "" {
		t.Errorf("text_embeds shape (-want +got):\n%s", diff)
	}
	// Reihenfolge [uncond, cond] bleibt erhalten, keine Nullen
	if te.floats[0] != 1 || te.floats[1280] != 2 {
		t.Errorf("erwartet 1 und 2, bekommen %v und %v", te.floats[0], te.floats[1280])
	}

	ids, ok := inputByName(in, n.TimeIDs)
	if !ok {
		t.Fatal("time_ids fehlt")
	}
	if diff := cmp.Diff([]float32{64, 128, 0, 0, 64, 128, 64, 128, 0, 0, 64, 128}, ids.floats); diff != "" {
		t.Errorf("time_ids (-want +got):\n%s", diff)
	}

	ts, _ := inputByName(in, n.Timestep)
	if diff := cmp.Diff([]float32{999, 999}, ts.floats); diff != "" {
		t.Errorf("timestep (-want +got):\n%s", diff)
	}
}

func TestUNetInputsErrors(t *testing.T) {
	n := DefaultNames()
	sample := ml.Zeros(2, 4, 8, 8)
	emb := ml.Zeros(2, 77, 2048)
	xl := unetLayout{xl: true}

	if _, err := unetInputs(n, xl, sample, 1, emb, nil); !errors.Is(err, ErrInference) {
		t.Errorf("ohne pooled: erwartet ErrInference, bekommen %v", err)
	}
	if _, err := unetInputs(n, xl, sample, 1, emb, ml.Zeros(1, 1280)); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Errorf("falscher Batch: erwartet ErrShapeMismatch, bekommen %v", err)
	}
}

func TestUNetInputsPlain(t *testing.T) {
	n := DefaultNames()
	in, err := unetInputs(n, unetLayout{}, ml.Zeros(1, 4, 8, 8), 10, ml.Zeros(1, 77, 768), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(in))
	for i, x := range in {
		names[i] = x.name
	}
	if diff := cmp.Diff([]string{n.Sample, n.Timestep, n.EncoderHidden}, names); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if ts := in[1]; ts.shape != nil || len(ts.floats) != 1 {
		t.Errorf("erwartet skalaren Timestep, bekommen shape %v", ts.shape)
	}
}
