package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorNeonCyan = "\033[96m"
)

const banner = `
     _   _    ______     _____ ____
    | | / \  |  _ \ \   / /_ _/ ___|
 _  | |/ _ \ | |_) \ \ / / | |\___ \
| |_| / ___ \|  _ < \ V /  | | ___) |
 \___/_/   \_\_| \_\ \_/  |___|____/

      >> DESKTOP AGENT ORCHESTRATOR <<
`

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// PrintBanner writes the startup banner centered to the terminal width. It
// prints nothing when stdout is not a terminal so JSON logs stay clean.
func PrintBanner(w io.Writer, addr string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Fprintf(w, "%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
	if addr != "" {
		fmt.Fprintf(w, "%slistening on %s%s\n\n", colorNeonCyan, addr, colorReset)
	}
}
