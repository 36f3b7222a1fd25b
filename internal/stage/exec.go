package stage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/logger"
)

// Executor runs one shell command line to completion.
type Executor interface {
	Run(ctx context.Context, command string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string) error

func (f ExecutorFunc) Run(ctx context.Context, command string) error { return f(ctx, command) }

// outputTail is how much command output is kept for error messages.
const outputTail = 2048

// Shell runs commands with sh -c. Output is only surfaced when the command
// fails.
type Shell struct{}

func (Shell) Run(ctx context.Context, command string) error {
	log := logger.FromContext(ctx)
	log.Debug("exec", "command", command)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		tail := out.Bytes()
		if len(tail) > outputTail {
			tail = tail[len(tail)-outputTail:]
		}
		return fmt.Errorf("%q: %w: %s", command, err, strings.TrimSpace(string(tail)))
	}
	return nil
}

// CommandArgs are the fields available to command templates.
type CommandArgs struct {
	Index   int
	URL     string
	Input   string
	Output  string
	Timeout int
}

var funcs = template.FuncMap{"quote": shellQuote}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parseCommand(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing %s command template: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, args CommandArgs) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, args); err != nil {
		return "", fmt.Errorf("rendering %s command: %w", t.Name(), err)
	}
	return b.String(), nil
}
