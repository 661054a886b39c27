// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is a node in the warden command tree. A node either groups
// Subcommands or has a Run function, never both.
type Command struct {
	Name    string
	Summary string
	// Description replaces Summary at the top of the command's own help.
	Description string
	// Usage overrides the synthesized usage line.
	Usage    string
	Examples []Example

	// Flags builds a fresh flag set bound to the command's variables.
	// Nil means the command takes no flags.
	Flags func() *pflag.FlagSet

	Subcommands []*Command
	Run         func(args []string) error
}

// Example is one entry in a command's help.
type Example struct {
	Description string
	Command     string
}

// Execute dispatches args through the tree, writing help to stderr.
func (c *Command) Execute(args []string) error {
	return c.Dispatch(args, os.Stderr)
}

// Dispatch is Execute with an explicit help writer.
func (c *Command) Dispatch(args []string, help io.Writer) error {
	return c.dispatch([]string{c.Name}, args, help)
}

func (c *Command) dispatch(path, args []string, help io.Writer) error {
	name := strings.Join(path, " ")
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.writeHelp(help, name)
		return nil
	}

	if len(c.Subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			c.writeHelp(help, name)
			return fmt.Errorf("%s requires a subcommand", name)
		}
		sub := c.lookup(args[0])
		if sub == nil {
			return fmt.Errorf("%s: unknown command %q (see '%s --help')", name, args[0], name)
		}
		return sub.dispatch(append(path, sub.Name), args[1:], help)
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		err := flagSet.Parse(args)
		if errors.Is(err, pflag.ErrHelp) {
			c.writeHelp(help, name)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w (see '%s --help')", name, err, name)
		}
		args = flagSet.Args()
	}
	if c.Run == nil {
		return fmt.Errorf("%s has nothing to run", name)
	}
	return c.Run(args)
}

func (c *Command) lookup(name string) *Command {
	for _, sub := range c.Subcommands {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

func (c *Command) writeHelp(w io.Writer, name string) {
	about := c.Description
	if about == "" {
		about = c.Summary
	}
	if about != "" {
		fmt.Fprintf(w, "%s\n\n", about)
	}

	usage := c.Usage
	switch {
	case usage != "":
	case len(c.Subcommands) > 0:
		usage = name + " <command> [flags]"
	default:
		usage = name + " [flags]"
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", usage)

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		table := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(table, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		table.Flush()
	}

	if c.Flags != nil {
		if defaults := c.Flags().FlagUsages(); defaults != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", defaults)
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, example := range c.Examples {
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n\n", example.Command)
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for details.\n", name)
	}
}

func isHelpFlag(arg string) bool {
	switch arg {
	case "-h", "--help", "help":
		return true
	}
	return false
}
