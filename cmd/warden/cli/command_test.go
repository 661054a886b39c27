// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestGroupAndLeafRules(t *testing.T) {
	leaf := &Command{Name: "tail"}
	group := &Command{Name: "audit", Subcommands: []*Command{leaf}}
	root := &Command{Name: "warden", Subcommands: []*Command{group}}

	err := root.Dispatch([]string{"audit", "tail"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "warden audit tail has nothing to run") {
		t.Errorf("leaf without Run: error = %v", err)
	}

	var help bytes.Buffer
	err = root.Dispatch([]string{"audit", "--json"}, &help)
	if err == nil || !strings.Contains(err.Error(), "warden audit requires a subcommand") {
		t.Errorf("flag to a group: error = %v", err)
	}
	if !strings.Contains(help.String(), "warden audit <command> [flags]") {
		t.Errorf("group help lacks its full path:\n%s", help.String())
	}
}

func TestFlagsParsedBeforeRun(t *testing.T) {
	var (
		follow bool
		got    []string
	)
	tail := &Command{
		Name: "tail",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flagSet.BoolVar(&follow, "follow", false, "keep printing")
			return flagSet
		},
		Run: func(args []string) error {
			got = args
			return nil
		},
	}
	if err := tail.Dispatch([]string{"--follow", "20"}, io.Discard); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !follow || len(got) != 1 || got[0] != "20" {
		t.Errorf("follow = %v args = %v, want true [20]", follow, got)
	}
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 2}
	coder, ok := err.(interface{ ExitCode() int })
	if !ok {
		t.Fatal("ExitError does not implement ExitCode")
	}
	if coder.ExitCode() != 2 {
		t.Errorf("ExitCode() = %d, want 2", coder.ExitCode())
	}
}

func TestJSONOutput(t *testing.T) {
	var output JSONOutput
	flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
	output.AddFlag(flagSet)

	var buffer bytes.Buffer
	done, err := output.EmitJSON(&buffer, map[string]int{"depth": 3})
	if done || err != nil || buffer.Len() != 0 {
		t.Fatalf("EmitJSON without --json = (%v, %v), wrote %q", done, err, buffer.String())
	}

	if err := flagSet.Parse([]string{"--json"}); err != nil {
		t.Fatal(err)
	}
	done, err = output.EmitJSON(&buffer, map[string]int{"depth": 3})
	if !done || err != nil {
		t.Fatalf("EmitJSON with --json = (%v, %v)", done, err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(buffer.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buffer.String())
	}
	if decoded["depth"] != 3 {
		t.Errorf("depth = %d, want 3", decoded["depth"])
	}
}
