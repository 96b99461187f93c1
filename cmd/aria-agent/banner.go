package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type bannerOptions struct {
	Version  string
	URL      string
	Provider string
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	urlStyle   = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("14"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle  = lipgloss.NewStyle().Bold(true)
)

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// render applies style only when w is a terminal.
func render(w io.Writer, style lipgloss.Style, s string) string {
	if !isTerminalWriter(w) {
		return s
	}
	return style.Render(s)
}

func printBanner(w io.Writer, opts bannerOptions) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, render(w, titleStyle, "Aria")+" "+render(w, dimStyle, opts.Version))
	fmt.Fprintf(w, "URL: %s\n", render(w, urlStyle, opts.URL))
	if opts.Provider != "" {
		fmt.Fprintf(w, "Assistant: %s\n", opts.Provider)
	}
	fmt.Fprintln(w)
}
