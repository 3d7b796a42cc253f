// Package shell models the command shortcuts produced by an activation and
// renders them as shell source text. The activator itself never mutates the
// calling shell; it hands a Set to the CLI layer, which prints it for the
// shell to eval.
package shell

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Dialect selects the output shell syntax.
type Dialect int

const (
	// POSIX emits alias and function definitions for sh-compatible shells.
	POSIX Dialect = iota
	// Fish emits fish syntax.
	Fish
)

// Command is a program invocation template: program name plus argument list.
// It carries no shell syntax; quoting happens at render time.
type Command struct {
	Program string
	Args    []string
}

func (c Command) words() []string {
	return append([]string{c.Program}, c.Args...)
}

// Alias binds a name to a command in the calling shell.
type Alias struct {
	Name    string
	Command Command
}

// ScriptRunner is a shell function that runs a named script from the kernel
// source tree inside the chroot as the build user, with srcdir and builddir
// exported for the script.
type ScriptRunner struct {
	// Name of the generated shell function.
	Name string
	// ChrootPrefix is the host argv prefix that executes its remaining
	// arguments inside the chroot as the unprivileged user.
	ChrootPrefix []string
	// SourceRoot is the source tree location inside the chroot.
	SourceRoot string
	// BuildDir is the build output location inside the chroot.
	BuildDir string
}

// Set is the complete result of an activation.
type Set struct {
	Aliases []Alias
	Scripts []ScriptRunner
}

// Render writes the set as shell source text.
func (s Set) Render(w io.Writer, dialect Dialect) error {
	for _, alias := range s.Aliases {
		if err := renderAlias(w, dialect, alias); err != nil {
			return err
		}
	}
	for _, script := range s.Scripts {
		if err := renderScript(w, dialect, script); err != nil {
			return err
		}
	}
	return nil
}

func renderAlias(w io.Writer, dialect Dialect, alias Alias) error {
	command := quoteWords(alias.Command.words())
	var err error
	switch dialect {
	case Fish:
		_, err = fmt.Fprintf(w, "alias %s %s\n", alias.Name, quote(command))
	default:
		_, err = fmt.Fprintf(w, "alias %s=%s\n", alias.Name, quote(command))
	}
	return err
}

func renderScript(w io.Writer, dialect Dialect, script ScriptRunner) error {
	prefix := quoteWords(script.ChrootPrefix)
	// The inner sh -c script references the function argument; the chroot
	// shell resolves the script relative to the mounted source root.
	inner := fmt.Sprintf("cd %s; srcdir=%s builddir=%s ./", script.SourceRoot, script.SourceRoot, script.BuildDir)

	var err error
	switch dialect {
	case Fish:
		_, err = fmt.Fprintf(w, `function %[1]s
	if test -e "$argv[1]"
		%[2]s sh -c "%[3]s$argv[1]"
	else
		echo "%[1]s: $argv[1] not found in the kernel source tree" >&2
		return 1
	end
end
`, script.Name, prefix, inner)
	default:
		_, err = fmt.Fprintf(w, `%[1]s() {
	if [ -e "$1" ]; then
		%[2]s sh -c "%[3]s$1"
	else
		echo "%[1]s: $1 not found in the kernel source tree" >&2
		return 1
	fi
}
`, script.Name, prefix, inner)
	}
	return err
}

// plainWord matches words that need no quoting in either dialect.
var plainWord = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

func quoteWords(words []string) string {
	quoted := make([]string, len(words))
	for i, word := range words {
		quoted[i] = quote(word)
	}
	return strings.Join(quoted, " ")
}

// quote single-quotes a word for sh and fish unless it is plain.
func quote(word string) string {
	if word != "" && plainWord.MatchString(word) {
		return word
	}
	return "'" + strings.ReplaceAll(word, "'", `'\''`) + "'"
}
