// Command czipaint paints one rectangular region of a CZI slide and writes
// it to a PNG file, in the same ad hoc debug-dump shape as the teacher's
// debug tool.
package main

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"strconv"

	"github.com/openslide/czi-core/internal/slide"
)

func main() {
	if len(os.Args) < 8 {
		fmt.Fprintf(os.Stderr, "Usage: czipaint <file.czi> <level> <x> <y> <w> <h> <out.png>\n")
		os.Exit(1)
	}

	path := os.Args[1]
	level := atoiOrExit(os.Args[2])
	x := atoi64OrExit(os.Args[3])
	y := atoi64OrExit(os.Args[4])
	w := atoiOrExit(os.Args[5])
	h := atoiOrExit(os.Args[6])
	out := os.Args[7]

	s, err := slide.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer s.Close()

	dst := make([]uint32, w*h)
	if err := s.PaintRegion(dst, w, h, level, x, y, w, h); err != nil {
		fmt.Fprintf(os.Stderr, "Error painting region: %v\n", err)
		os.Exit(1)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, px := range dst {
		a := byte(px >> 24)
		r := byte(px >> 16)
		g := byte(px >> 8)
		b := byte(px)
		img.Pix[4*i+0] = r
		img.Pix[4*i+1] = g
		img.Pix[4*i+2] = b
		img.Pix[4*i+3] = a
	}

	f, err := os.Create(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", out, err)
		os.Exit(1)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding PNG: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%dx%d)\n", out, w, h)
}

func atoiOrExit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid integer %q: %v\n", s, err)
		os.Exit(1)
	}
	return n
}

func atoi64OrExit(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid integer %q: %v\n", s, err)
		os.Exit(1)
	}
	return n
}
