// Command czinfo prints a summary of a CZI slide's levels, properties,
// and associated images, in the same shape as the teacher's coginfo tool.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/openslide/czi-core/internal/slide"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: czinfo <file.czi>\n")
		os.Exit(1)
	}

	s, err := slide.Open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	fmt.Printf("File: %s\n", os.Args[1])
	fmt.Printf("Levels: %d\n", s.LevelCount())
	for i := 0; i < s.LevelCount(); i++ {
		w, h, err := s.LevelDimensions(i)
		if err != nil {
			fmt.Printf("  level %d: ERROR: %v\n", i, err)
			continue
		}
		ds, _ := s.LevelDownsample(i)
		fmt.Printf("  level %d: %dx%d, downsample=%d\n", i, w, h, ds)
	}

	fmt.Printf("\nQuickHash1: %s\n", s.QuickHash1())

	names := s.AssociatedImageNames()
	sort.Strings(names)
	fmt.Printf("\nAssociated images: %d\n", len(names))
	for _, name := range names {
		img, _ := s.AssociatedImage(name)
		fmt.Printf("  %s: %dx%d\n", name, img.Width, img.Height)
	}

	props := s.Properties()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("\nProperties: %d\n", len(keys))
	for _, k := range keys {
		fmt.Printf("  %s = %s\n", k, props[k])
	}
}
