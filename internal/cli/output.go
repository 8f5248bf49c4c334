package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// PrintResponse writes the results of a batch as JSON, indented on a
// terminal, followed by a status line coloured by outcome on a terminal.
func PrintResponse(w io.Writer, res *domain.Response, tty bool) error {
	enc := json.NewEncoder(w)
	if tty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res.Body); err != nil {
		return err
	}

	line := StatusLine(res)
	if !tty {
		_, err := fmt.Fprintln(w, line)
		return err
	}

	p := termenv.ColorProfile()
	color := "#22c55e"
	switch {
	case res.Status == http.StatusForbidden || res.Status >= http.StatusInternalServerError:
		color = "#ef4444"
	case res.Status >= http.StatusMultipleChoices:
		color = "#f59e0b"
	}
	_, err := fmt.Fprintln(w, termenv.String(line).Foreground(p.Color(color)).Bold())
	return err
}

// StatusLine summarizes a batch, e.g. "201 Created: 3/3 elements succeeded".
func StatusLine(res *domain.Response) string {
	ok := 0
	for _, r := range res.Body {
		if r.OK() {
			ok++
		}
	}
	return fmt.Sprintf("%d %s: %d/%d elements succeeded", res.Status, http.StatusText(res.Status), ok, len(res.Body))
}
