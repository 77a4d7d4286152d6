package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Approver is the controlling party consulted at the two mandatory
// checkpoints and whenever a task escalates. Implementations block until an
// explicit answer arrives; there is no timeout and no default answer.
type Approver interface {
	Approve(ctx context.Context, task, checkpoint, summary string) (bool, error)
}

// ConsoleApprover collects answers from an interactive stream. Only the
// exact word "approve" approves and only "reject" rejects; anything else is
// ambiguous and reprompts. Closing the stream without an answer is an error,
// never an approval.
type ConsoleApprover struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewConsoleApprover creates an approver over the given streams.
func NewConsoleApprover(in io.Reader, out io.Writer) *ConsoleApprover {
	return &ConsoleApprover{
		scanner: bufio.NewScanner(in),
		out:     out,
	}
}

// Approve prompts and blocks until "approve" or "reject" is typed.
func (a *ConsoleApprover) Approve(ctx context.Context, task, checkpoint, summary string) (bool, error) {
	fmt.Fprintf(a.out, "\n=== %s: %s ===\n%s\nType 'approve' or 'reject': ", task, checkpoint, summary)

	for a.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		switch strings.TrimSpace(a.scanner.Text()) {
		case "approve":
			return true, nil
		case "reject":
			return false, nil
		default:
			fmt.Fprintf(a.out, "Ambiguous answer is not approval. Type 'approve' or 'reject': ")
		}
	}

	if err := a.scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read approval: %w", err)
	}
	return false, fmt.Errorf("input closed without an explicit answer for %s", checkpoint)
}
