// dump.go - Dump-Funktionen fuer Tensor-Debugging
// Dieses Modul stellt Hilfsfunktionen zum Ausgeben von Tensor-Inhalten bereit.
package ml

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DumpOptions configures tensor dump output format.
type DumpOptions func(*dumpOptions)

// DumpWithPrecision sets the number of decimal places to print.
func DumpWithPrecision(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Precision = n
	}
}

// DumpWithThreshold sets the threshold for printing the entire tensor. If the number of elements
// is less than or equal to this value, the entire tensor will be printed. Otherwise, only the
// beginning and end of each dimension will be printed.
func DumpWithThreshold(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Threshold = n
	}
}

// DumpWithEdgeItems sets the number of elements to print at the beginning and end of each dimension.
func DumpWithEdgeItems(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.EdgeItems = n
	}
}

type dumpOptions struct {
	Precision, Threshold, EdgeItems int
}

// Dump converts a tensor to a human-readable string representation.
func Dump(t *Tensor, optsFuncs ...DumpOptions) string {
	opts := dumpOptions{Precision: 4, Threshold: 1000, EdgeItems: 3}
	for _, optsFunc := range optsFuncs {
		optsFunc(&opts)
	}

	if t.Len() <= opts.Threshold {
		opts.EdgeItems = math.MaxInt
	}

	format := func(f float32) string {
		if t.dtype == DTypeUint8 {
			return strconv.Itoa(int(f))
		}
		return strconv.FormatFloat(float64(f), 'f', opts.Precision, 32)
	}

	if len(t.shape) == 0 {
		return format(t.data[0])
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, offset int) {
		prefix := strings.Repeat(" ", len(t.shape)-len(dims)+1)
		stride := mul(dims[1:]...)
		sb.WriteString("[")
		defer func() { sb.WriteString("]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.EdgeItems && i < dims[0]-opts.EdgeItems {
				sb.WriteString("..., ")
				if len(dims) > 1 {
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i = dims[0] - opts.EdgeItems - 1
				continue
			}
			if len(dims) > 1 {
				f(dims[1:], offset+i*stride)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
				continue
			}

			text := format(t.data[offset+i])
			if len(text) > 0 && text[0] != '-' {
				sb.WriteString(" ")
			}
			sb.WriteString(text)
			if i < dims[0]-1 {
				sb.WriteString(", ")
			}
		}
	}
	f(t.shape, 0)

	return sb.String()
}
