// ABOUTME: Task execution interface for the node daemon
// ABOUTME: Includes the echo runner used in development and tests

package nodectl

import (
	"context"

	"github.com/flockhq/flock-gateway/internal/protocol"
)

// Emitter receives partial output from a running task.
type Emitter func(text string)

// Runner executes dispatched tasks. Run blocks until the task finishes
// and returns its final result; a cancelled ctx means the task was
// aborted. Appended messages arrive on the inbox channel while Run is
// in flight.
type Runner interface {
	Run(ctx context.Context, task *protocol.TaskDispatch, inbox <-chan protocol.Message, emit Emitter) (string, error)
}

// EchoRunner is a trivial runner for development and tests: it emits the
// goal as partial output, echoes any messages buffered at dispatch time,
// and completes.
type EchoRunner struct{}

func (EchoRunner) Run(ctx context.Context, task *protocol.TaskDispatch, inbox <-chan protocol.Message, emit Emitter) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	emit("goal: " + task.Goal)
	for {
		select {
		case msg := <-inbox:
			emit("append: " + msg.Content)
		default:
			return "echo: " + task.Goal, nil
		}
	}
}
