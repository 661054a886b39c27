// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keygen implements "warden keygen", which provisions the key
// material a device needs at enrollment.
package keygen

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/cmd/warden/cli"
	"github.com/bureau-foundation/warden/lib/devicekey"
	"github.com/bureau-foundation/warden/lib/sealed"
	"github.com/bureau-foundation/warden/lib/secret"
)

// Result is the --json form of a keygen run.
type Result struct {
	MasterKeyFile       string `json:"master_key_file"`
	CheckpointPublicKey string `json:"checkpoint_public_key"`
	ArchiveIdentityFile string `json:"archive_identity_file,omitempty"`
	ArchiveRecipient    string `json:"archive_recipient,omitempty"`
}

// Command returns the "keygen" command.
func Command() *cli.Command {
	var (
		output          cli.JSONOutput
		masterPath      string
		publicKeyPath   string
		archiveIdentity string
	)
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a device master key",
		Description: `Generate a device master key and print the checkpoint public key
derived from it. The backend needs the public key to verify the
device's audit checkpoints.

With --archive-identity, also generate the age identity the backend
uses to decrypt archived audit bundles, and print its recipient for
the device's sync.archive_recipient setting. The identity belongs on
the backend, never on the device.

Existing files are never overwritten.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			output.AddFlag(flagSet)
			flagSet.StringVar(&masterPath, "out", "", "path for the hex master key (required)")
			flagSet.StringVar(&publicKeyPath, "public-key-out", "", "also write the checkpoint public key to this path")
			flagSet.StringVar(&archiveIdentity, "archive-identity", "", "generate an archive identity at this path")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Provision a device key",
				Command:     "warden keygen --out /var/lib/warden/master.key --public-key-out checkpoint.pub",
			},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if masterPath == "" {
				return fmt.Errorf("--out is required")
			}
			result, err := Generate(masterPath, publicKeyPath, archiveIdentity)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(os.Stdout, result); done {
				return err
			}
			fmt.Fprintf(os.Stdout, "master key:             %s\n", result.MasterKeyFile)
			fmt.Fprintf(os.Stdout, "checkpoint public key:  %s\n", result.CheckpointPublicKey)
			if result.ArchiveRecipient != "" {
				fmt.Fprintf(os.Stdout, "archive identity:       %s\n", result.ArchiveIdentityFile)
				fmt.Fprintf(os.Stdout, "archive recipient:      %s\n", result.ArchiveRecipient)
			}
			return nil
		},
	}
}

// Generate writes a fresh master key to masterPath and returns the
// derived checkpoint public key. Empty publicKeyPath and identityPath
// skip those outputs.
func Generate(masterPath, publicKeyPath, identityPath string) (*Result, error) {
	for _, path := range []string{masterPath, publicKeyPath, identityPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%s already exists", path)
		}
	}

	master, err := devicekey.GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := secret.WriteHexKey(masterPath, master.Bytes()); err != nil {
		master.Close()
		return nil, err
	}
	keys, err := devicekey.NewKeySet(master)
	if err != nil {
		master.Close()
		return nil, err
	}
	defer keys.Close()
	signer, err := keys.CheckpointSigner()
	if err != nil {
		return nil, err
	}
	defer signer.Close()

	result := &Result{
		MasterKeyFile:       masterPath,
		CheckpointPublicKey: hex.EncodeToString(signer.PublicKey()),
	}
	if publicKeyPath != "" {
		if err := writeNew(publicKeyPath, []byte(result.CheckpointPublicKey+"\n"), 0o644); err != nil {
			return nil, err
		}
	}

	if identityPath != "" {
		keypair, err := sealed.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		defer keypair.Close()
		identity := append(append([]byte{}, keypair.PrivateKey.Bytes()...), '\n')
		defer secret.Zero(identity)
		if err := writeNew(identityPath, identity, 0o600); err != nil {
			return nil, err
		}
		result.ArchiveIdentityFile = identityPath
		result.ArchiveRecipient = keypair.PublicKey
	}
	return result, nil
}

func writeNew(path string, data []byte, mode os.FileMode) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}
