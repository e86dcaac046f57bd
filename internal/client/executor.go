// ABOUTME: Executor turns a command's text into a result
// ABOUTME: EchoExecutor is the built-in that replies with the text it was given

package client

import "context"

// Executor runs one command. A returned error marks the command failed and its
// message becomes the result.
type Executor interface {
	Execute(ctx context.Context, text string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, text string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// EchoExecutor answers "echo: <text>" and never fails.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, text string) (string, error) {
	return "echo: " + text, nil
}
