package trust

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
)

// TerminalPrompter asks for trust decisions on the terminal.
type TerminalPrompter struct{}

// NewTerminalPrompter creates a new TerminalPrompter.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{}
}

// IsInteractive checks if we're running in an interactive terminal.
func (p *TerminalPrompter) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// PromptForModule asks the user whether to load an untrusted module.
func (p *TerminalPrompter) PromptForModule(req Request) (Decision, error) {
	const (
		optionOnce   = "Allow once"
		optionAlways = "Always allow (save to grants)"
		optionDeny   = "Deny"
	)

	var selection string
	err := huh.NewSelect[string]().
		Title("Load untrusted plugin?").
		Description(fmt.Sprintf("%s\n%s, %d bytes", req.Path, req.Digest.Short(), req.Size)).
		Options(
			huh.NewOption(optionOnce, optionOnce),
			huh.NewOption(optionAlways, optionAlways),
			huh.NewOption(optionDeny, optionDeny),
		).
		Value(&selection).
		Run()
	if err != nil {
		return Deny, err
	}

	switch selection {
	case optionOnce:
		return AllowOnce, nil
	case optionAlways:
		return AlwaysAllow, nil
	default:
		return Deny, nil
	}
}
