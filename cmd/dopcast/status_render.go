package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusOK statusKind = iota
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

// shouldColorize reports whether out is an interactive terminal.
func shouldColorize(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderSectionHeader(title string, colorize bool) []string {
	underline := strings.Repeat("=", len(title))
	if colorize {
		title = ansiBold + title + ansiReset
	}
	return []string{title, underline}
}

func renderStatusLine(label string, kind statusKind, detail string, colorize bool) string {
	marker := "●"
	color := ansiGreen
	switch kind {
	case statusWarn:
		color = ansiYellow
	case statusError:
		color = ansiRed
	}
	if colorize {
		marker = color + marker + ansiReset
	}
	if strings.TrimSpace(detail) == "" {
		return fmt.Sprintf("%s %s", marker, label)
	}
	return fmt.Sprintf("%s %s: %s", marker, label, detail)
}
