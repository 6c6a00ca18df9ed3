// Package startup prints the server's startup banner.
package startup

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

const (
	// ANSI color codes
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	white  = "\033[37m"

	indent = "    "
)

// BannerOptions configures the startup banner display.
type BannerOptions struct {
	Version  string
	LocalURL string
	Provider string
	Model    string // Empty for the provider default
	Storage  string
	Echo     bool // No API key; replies echo the prompt
}

// colorsEnabled returns true if ANSI colors should be used on w.
func colorsEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type painter bool

// color wraps text with ANSI color codes if colors are enabled.
func (p painter) color(code, text string) string {
	if !p {
		return text
	}
	return code + text + reset
}

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer, opts BannerOptions) {
	p := painter(colorsEnabled(w))
	fmt.Fprintln(w)

	logo := p.color(cyan, "◆") + "  " + p.color(bold+white, "C H A T K E E P")
	versionStr := p.color(dim, opts.Version)
	fmt.Fprintf(w, "%s%s%s%s\n", indent, logo, strings.Repeat(" ", 28), versionStr)

	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s%s    %s\n", indent, p.color(dim, "▸ Local"), p.color(green, opts.LocalURL))

	model := opts.Provider
	if opts.Model != "" {
		model += " / " + opts.Model
	}
	fmt.Fprintf(w, "%s%s    %s\n", indent, p.color(dim, "▸ Model"), model)
	fmt.Fprintf(w, "%s%s  %s\n", indent, p.color(dim, "▸ Storage"), opts.Storage)

	if opts.Echo {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s%s\n", indent, p.color(yellow, "No API key configured: replies echo the last message"))
	}

	fmt.Fprintln(w)
}

// PrintQRCode writes an indented QR code with a label on the side.
func PrintQRCode(w io.Writer, url string) {
	p := painter(colorsEnabled(w))

	var buf bytes.Buffer
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         &buf,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      1,
	})

	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}

	// Place label at vertical center of QR code
	midLine := len(lines) / 2
	for i, line := range lines {
		if i == midLine {
			fmt.Fprintf(w, "%s%s  %s\n", indent, line, p.color(dim, "Scan to connect"))
		} else {
			fmt.Fprintf(w, "%s%s\n", indent, line)
		}
	}
	fmt.Fprintln(w)
}

// PrintFooter writes the footer with shutdown instructions.
func PrintFooter(w io.Writer) {
	p := painter(colorsEnabled(w))
	fmt.Fprintf(w, "%s%s\n", indent, p.color(dim, "Press Ctrl+C to stop"))
	fmt.Fprintln(w)
}
