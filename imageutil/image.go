// MODUL: imageutil
// ZWECK: Bild-Lade- und Speicherfunktionen fuer img2img und die Ausgabe
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: *image.RGBA, PNG-Dateien
// NEBENEFFEKTE: Dateisystem-Zugriff bei Load und SavePNG
// ABHAENGIGKEITEN: golang.org/x/image/draw, golang.org/x/image/webp
// HINWEISE: Eingangsbilder werden auf Vielfache von 32 zugeschnitten

package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	// Standard-Decoder registrieren
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Multiple ist die Kantenlaenge, auf die PrepareSource abrundet
const Multiple = 32

var (
	ErrUnknownFormat = errors.New("unbekanntes bildformat")
	ErrTooSmall      = errors.New("bild kleiner als 32x32")
)

// Format eines Eingabebilds, erkannt an den Magic-Bytes
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatWebP
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	default:
		return "unknown"
	}
}

// DetectFormat erkennt das Bildformat anhand der Magic-Bytes
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return FormatJPEG
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return FormatWebP
	default:
		return FormatUnknown
	}
}

// Load laedt ein Bild von einem Dateipfad
func Load(path string) (*image.RGBA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datei lesen fehlgeschlagen: %w", err)
	}
	return Decode(data)
}

// Decode dekodiert png, jpeg oder webp
func Decode(data []byte) (*image.RGBA, error) {
	if DetectFormat(data) == FormatUnknown {
		return nil, ErrUnknownFormat
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bild dekodieren fehlgeschlagen: %w", err)
	}
	return ToRGBA(img), nil
}

// ToRGBA konvertiert ein beliebiges image.Image zu *image.RGBA mit Ursprung 0,0
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// PrepareSource rundet Breite und Hoehe auf Vielfache von 32 ab. Das Bild
// wird zentriert auf das neue Seitenverhaeltnis zugeschnitten und mit
// Catmull-Rom skaliert.
func PrepareSource(img image.Image) (*image.RGBA, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	tw, th := w-w%Multiple, h-h%Multiple
	if tw == 0 || th == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooSmall, w, h)
	}
	if tw == w && th == h {
		return ToRGBA(img), nil
	}

	src := fillRect(b, tw, th)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst, nil
}

// fillRect ist der zentrierte Ausschnitt von b mit Seitenverhaeltnis tw:th
func fillRect(b image.Rectangle, tw, th int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	cw, ch := w, h
	if w*th > h*tw {
		cw = h * tw / th
	} else {
		ch = w * th / tw
	}
	x0 := b.Min.X + (w-cw)/2
	y0 := b.Min.Y + (h-ch)/2
	return image.Rect(x0, y0, x0+cw, y0+ch)
}

// EncodePNG schreibt img als PNG
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// SavePNG speichert img unter path und legt fehlende Verzeichnisse an
func SavePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("png schreiben fehlgeschlagen: %w", err)
	}
	return f.Close()
}

// SamplePath haengt bei mehreren Samples den Index an: out.png -> out.2.png
func SamplePath(path string, index, total int) string {
	if total <= 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%d%s", path[:len(path)-len(ext)], index, ext)
}
