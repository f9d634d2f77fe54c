// Package input decides where a line typed into termdeck should go: an
// internal slash command, the session shell, an image attachment for the
// assistant, or a free-form assistant query.
//
// Classification is a heuristic. Short phrases such as "make coffee" are
// treated as shell commands; anything with a question mark or more than
// three words is treated as a question.
package input

import (
	"path/filepath"
	"strings"
)

// Kind is the routing decision for one line of input.
type Kind int

const (
	AIQuery Kind = iota
	Internal
	ShellCommand
	ImagePath
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case ShellCommand:
		return "shell"
	case ImagePath:
		return "image"
	default:
		return "ai"
	}
}

// Internal command names after alias normalization.
const (
	CmdHelp     = "help"
	CmdFavorite = "favorite"
	CmdReload   = "reload"
	CmdNew      = "new"
	CmdAsk      = "ask"
	CmdClaude   = "claude"
)

var internalCommands = map[string]string{
	"help":     CmdHelp,
	"favorite": CmdFavorite,
	"fav":      CmdFavorite,
	"reload":   CmdReload,
	"new":      CmdNew,
	"ask":      CmdAsk,
	"claude":   CmdClaude,
}

// Class is the result of Classify.
type Class struct {
	Kind Kind
	// Command and Args are set for Internal.
	Command string
	Args    string
	// Path is set for ImagePath and holds the normalized path.
	Path string
	// Text is the original input.
	Text string
}

// IsAICommand reports whether an internal command forwards its args to the assistant.
func (c Class) IsAICommand() bool {
	return c.Kind == Internal && (c.Command == CmdAsk || c.Command == CmdClaude)
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tiff": true, ".heic": true,
}

var shellOperators = []string{" | ", " > ", " >> ", " && ", " || ", "; "}

// Classify routes text. It never fails; empty input is an AIQuery and
// callers are expected to skip blank lines before dispatching.
func Classify(text string) Class {
	if c, ok := classifyInternal(text); ok {
		return c
	}
	if p := NormalizePath(text); IsImagePath(p) {
		return Class{Kind: ImagePath, Path: p, Text: text}
	}
	if IsShellCommand(text) {
		return Class{Kind: ShellCommand, Text: text}
	}
	return Class{Kind: AIQuery, Text: text}
}

func classifyInternal(text string) (Class, bool) {
	if !strings.HasPrefix(text, "/") {
		return Class{}, false
	}
	token, rest, _ := strings.Cut(text, " ")
	name := token[1:]
	if strings.Contains(name, "/") {
		return Class{}, false
	}
	cmd, ok := internalCommands[strings.ToLower(name)]
	if !ok {
		return Class{}, false
	}
	return Class{Kind: Internal, Command: cmd, Args: strings.TrimSpace(rest), Text: text}, true
}

// NormalizePath trims whitespace, strips one pair of wrapping quotes and
// removes embedded line breaks, which some path fields insert when they
// hard-wrap long paths.
func NormalizePath(text string) string {
	s := strings.TrimSpace(text)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			s = s[1 : len(s)-1]
		}
	}
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	return strings.TrimSpace(s)
}

// IsImagePath requires both a path prefix and a known image extension, so a
// bare "photo.png" stays ordinary text.
func IsImagePath(p string) bool {
	if !(strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") || strings.HasPrefix(p, "./")) {
		return false
	}
	return imageExtensions[strings.ToLower(filepath.Ext(p))]
}

// IsShellCommand applies the shell rules of Classify on their own.
func IsShellCommand(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return false
	}
	fields := strings.Fields(s)
	if knownBinaries[fields[0]] {
		return true
	}
	if strings.HasPrefix(s, "./") || strings.HasPrefix(s, "~/") {
		return true
	}
	for _, op := range shellOperators {
		if strings.Contains(s, op) {
			return true
		}
	}
	return len(fields) <= 3 && !strings.Contains(s, "?") && commandLike(fields[0])
}

func commandLike(tok string) bool {
	for _, r := range tok {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !isLetter && r != '-' && r != '_' {
			return false
		}
	}
	return tok != ""
}
