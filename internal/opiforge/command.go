package opiforge

import (
	"os/exec"
	"strings"
)

// Command describes one external operation as a list of argument
// tokens. Commands are assembled token by token, never interpolated
// into a shell string, so paths with spaces or metacharacters cannot
// change the command's meaning.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
}

// NewCommand starts a command builder.
func NewCommand(program string, args ...string) Command {
	return Command{Program: program, Args: args}
}

// WithArgs appends argument tokens.
func (c Command) WithArgs(args ...string) Command {
	c.Args = append(c.Args, args...)
	return c
}

// InDir sets the working directory.
func (c Command) InDir(dir string) Command {
	c.Dir = dir
	return c
}

// WithEnv appends KEY=value pairs to the child environment.
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(c.Env, env...)
	return c
}

// String renders the command for logs only.
func (c Command) String() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

func (c Command) build() *exec.Cmd {
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	return cmd
}
