package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the sheaf banner followed by the listen address.
func PrintBanner(w io.Writer, addr string) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{"       _                __ ", "#34d399"},
		{"   ___| |__   ___  __ _/ _|", "#2dd4bf"},
		{"  / __| '_ \\ / _ \\/ _` | |_ ", "#22d3ee"},
		{"  \\__ \\ | | |  __/ (_| |  _|", "#38bdf8"},
		{"  |___/_| |_|\\___|\\__,_|_|  ", "#60a5fa"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, termenv.String("  listening on "+addr).Faint())
	fmt.Fprintln(w)
}
