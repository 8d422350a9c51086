//go:build onnx && cgo

// MODUL: onnx/session
// ZWECK: ONNX Runtime Session Management - Erstellen, Konfigurieren, Ausfuehren
// INPUT: Modell-Pfad (.onnx), Options, benannte Input-Tensoren
// OUTPUT: Session-Handle, Output-Tensoren als ml.Tensor
// NEBENEFFEKTE: Alloziert ONNX Runtime Ressourcen, GPU Memory
// ABHAENGIGKEITEN: onnxruntime_go
// HINWEISE: Run ist parallel nutzbar, Destroy() MUSS aufgerufen werden

package onnx

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/7blacky7/sdgen/ml"
)

// ============================================================================
// Runtime Initialisierung (Singleton)
// ============================================================================

var (
	runtimeInitOnce sync.Once
	runtimeInitErr  error
)

// InitRuntime initialisiert die ONNX Runtime einmalig. library "" nutzt
// den Default von onnxruntime_go.
func InitRuntime(library string) error {
	runtimeInitOnce.Do(func() {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		runtimeInitErr = ort.InitializeEnvironment()
	})
	return runtimeInitErr
}

// DestroyRuntime gibt die ONNX Runtime frei
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// ============================================================================
// Session
// ============================================================================

// Session verwaltet eine Inference Session mit benannten Inputs und Outputs
type Session struct {
	inner   *ort.DynamicAdvancedSession
	path    string
	inputs  map[string]ort.InputOutputInfo
	order   []string
	outputs []string
	outType map[string]elementType
}

// CreateSession oeffnet modelPath. Inputs und optionale Outputs, die das
// Modell nicht kennt, werden ausgelassen; fehlende Outputs sind ein Fehler.
// Die optionalen Outputs folgen in Run auf die Pflicht-Outputs.
func CreateSession(modelPath string, inputs, outputs, optional []string, opts Options) (*Session, error) {
	if err := InitRuntime(opts.Library); err != nil {
		return nil, fmt.Errorf("%w: runtime init: %w", ErrSessionCreate, err)
	}

	infoIn, infoOut, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionCreate, modelPath, err)
	}

	s := &Session{
		path:    modelPath,
		inputs:  make(map[string]ort.InputOutputInfo),
		outType: make(map[string]elementType),
	}
	for _, info := range infoIn {
		if slices.Contains(inputs, info.Name) {
			s.inputs[info.Name] = info
			s.order = append(s.order, info.Name)
		}
	}
	addOutput := func(name string, required bool) error {
		i := slices.IndexFunc(infoOut, func(o ort.InputOutputInfo) bool { return o.Name == name })
		switch {
		case i < 0 && required:
			return fmt.Errorf("%w: %s hat keinen output %q", ErrSessionCreate, modelPath, name)
		case i < 0, slices.Contains(s.outputs, name):
			return nil
		}
		e, err := elementTypeOf(infoOut[i].DataType)
		if err != nil {
			return err
		}
		s.outType[name] = e
		s.outputs = append(s.outputs, name)
		return nil
	}
	for _, name := range outputs {
		if err := addOutput(name, true); err != nil {
			return nil, err
		}
	}
	for _, name := range optional {
		if err := addOutput(name, false); err != nil {
			return nil, err
		}
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %w", ErrSessionCreate, err)
	}
	defer sessOpts.Destroy()

	if opts.NumThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, fmt.Errorf("%w: threads setzen: %w", ErrSessionCreate, err)
		}
	}

	if opts.UseGPU {
		var cudaOpts *ort.CUDAProviderOptions
		enableProvider(slog.Default(), "cuda", modelPath,
			providerStep{"options", func() (err error) {
				cudaOpts, err = ort.NewCUDAProviderOptions()
				return err
			}},
			providerStep{"device_id", func() error {
				return cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(opts.GPUDeviceID)})
			}},
			providerStep{"append", func() error { return sessOpts.AppendExecutionProviderCUDA(cudaOpts) }},
		)
		if cudaOpts != nil {
			cudaOpts.Destroy()
		}
	}

	if s.inner, err = ort.NewDynamicAdvancedSession(modelPath, s.order, s.outputs, sessOpts); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionCreate, modelPath, err)
	}
	return s, nil
}

// HasInput meldet ob das Modell den Input kennt
func (s *Session) HasInput(name string) bool {
	_, ok := s.inputs[name]
	return ok
}

// HasOutput meldet ob ein optionaler Output im Modell vorhanden ist
func (s *Session) HasOutput(name string) bool {
	return slices.Contains(s.outputs, name)
}

// InputRank ist der Rang eines Inputs laut Modell-Datei
func (s *Session) InputRank(name string) int {
	return len(s.inputs[name].Dimensions)
}

// Run fuehrt die Session aus. Die Outputs haben die Reihenfolge aus CreateSession.
func (s *Session) Run(in []input) ([]*ml.Tensor, error) {
	values := make([]ort.Value, len(s.order))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for _, x := range in {
		i := slices.Index(s.order, x.name)
		if i < 0 {
			continue
		}
		v, err := s.value(x)
		if err != nil {
			return nil, fmt.Errorf("%w: input %s: %w", ErrInference, x.name, err)
		}
		values[i] = v
	}
	for i, v := range values {
		if v == nil {
			return nil, fmt.Errorf("%w: input %s fehlt", ErrInference, s.order[i])
		}
	}

	outputs := make([]ort.Value, len(s.outputs))
	if err := s.inner.Run(values, outputs); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInference, s.path, err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	result := make([]*ml.Tensor, len(outputs))
	for i, v := range outputs {
		t, err := s.tensor(s.outputs[i], v)
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

// value baut den ONNX-Wert im Datentyp, den das Modell erwartet
func (s *Session) value(x input) (ort.Value, error) {
	e, err := elementTypeOf(s.inputs[x.name].DataType)
	if err != nil {
		return nil, err
	}
	shape := ort.NewShape(x.shape...)

	floats := x.floats
	if floats == nil {
		floats = make([]float32, len(x.ints))
		for i, v := range x.ints {
			floats[i] = float32(v)
		}
	}

	switch e {
	case elemFloat32:
		return ort.NewTensor(shape, floats)
	case elemFloat16, elemBfloat16:
		b, err := encodeHalf(floats, e)
		if err != nil {
			return nil, err
		}
		dt := ort.TensorElementDataTypeFloat16
		if e == elemBfloat16 {
			dt = ort.TensorElementDataTypeBFloat16
		}
		return ort.NewCustomDataTensor(shape, b, dt)
	case elemInt64:
		ints := x.ints
		if ints == nil {
			ints = make([]int64, len(floats))
			for i, v := range floats {
				ints[i] = int64(v)
			}
		}
		return ort.NewTensor(shape, ints)
	case elemInt32:
		ints := make([]int32, len(floats))
		for i, v := range floats {
			ints[i] = int32(v)
		}
		if x.ints != nil {
			for i, v := range x.ints {
				ints[i] = int32(v)
			}
		}
		return ort.NewTensor(shape, ints)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, e)
	}
}

// tensor kopiert einen Output in einen f32-Tensor
func (s *Session) tensor(name string, v ort.Value) (*ml.Tensor, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return tensorOf(t.GetShape(), slices.Clone(t.GetData()))
	case *ort.CustomDataTensor:
		data, err := decodeHalf(t.GetData(), s.outType[name])
		if err != nil {
			return nil, err
		}
		return tensorOf(t.GetShape(), data)
	default:
		return nil, fmt.Errorf("%w: output %s hat typ %T", ErrUnsupported, name, v)
	}
}

// Destroy gibt alle Session-Ressourcen frei
func (s *Session) Destroy() {
	if s.inner != nil {
		s.inner.Destroy()
		s.inner = nil
	}
}

func elementTypeOf(dt ort.TensorElementDataType) (elementType, error) {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return elemFloat32, nil
	case ort.TensorElementDataTypeFloat16:
		return elemFloat16, nil
	case ort.TensorElementDataTypeBFloat16:
		return elemBfloat16, nil
	case ort.TensorElementDataTypeInt64:
		return elemInt64, nil
	case ort.TensorElementDataTypeInt32:
		return elemInt32, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupported, dt)
	}
}
