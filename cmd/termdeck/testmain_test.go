package main

import (
	"os"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// TestMain points the application directory at a scratch dir so tests never
// touch ~/.termdeck, and disables colors so output can be compared.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "termdeck-cmd")
	if err != nil {
		panic(err)
	}
	os.Setenv("TERMDECK_HOME", dir)
	lipgloss.SetColorProfile(termenv.Ascii)

	code := m.Run()

	os.RemoveAll(dir)
	os.Exit(code)
}
