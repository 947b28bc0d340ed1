package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	bannerReset = "\033[0m"
	bannerBold  = "\033[1m"
	bannerCyan  = "\033[36m"
	bannerDim   = "\033[2m"
)

var logoLines = [5]string{
	`      _             `,
	` _ __(_)_ _  __ _   `,
	`| '_ \ | ' \/ _` + "`" + ` |  `,
	`| .__/_|_||_\__, |  `,
	`|_|         |___/   `,
}

// PrintBanner prints the RingForge ASCII art logo, version, and
// listen address to stderr. Colors are used only when stderr is a
// TTY.
func PrintBanner(ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bannerBold+bannerCyan, line, bannerReset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n", bannerDim, bannerReset, ver, bannerDim, bannerReset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
