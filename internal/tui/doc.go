// Package tui renders a running autotuner in the terminal.
package tui
