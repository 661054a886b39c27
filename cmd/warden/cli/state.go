// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/config"
	"github.com/bureau-foundation/warden/lib/devicekey"
	"github.com/bureau-foundation/warden/lib/secret"
)

// OpenKeySet reads the device master key named by cfg. The caller
// closes the returned key set.
func OpenKeySet(cfg *config.Config) (*devicekey.KeySet, error) {
	master, err := secret.ReadHexKey(cfg.Device.MasterKeyFile, devicekey.KeySize)
	if err != nil {
		return nil, fmt.Errorf("reading device master key: %w", err)
	}
	keys, err := devicekey.NewKeySet(master)
	if err != nil {
		master.Close()
		return nil, err
	}
	return keys, nil
}

// AuditHandle is an audit log opened for inspection. Close releases
// the database and the checkpoint key.
type AuditHandle struct {
	Log       *audit.Log
	Store     *audit.SQLiteStore
	PublicKey ed25519.PublicKey

	signer *devicekey.Signer
}

// Close releases the handle.
func (h *AuditHandle) Close() error {
	h.signer.Close()
	return h.Store.Close()
}

// OpenAudit opens the agent's audit database. The database must
// already exist: inspecting a device that has never run the agent is
// an error rather than a new empty log.
func OpenAudit(ctx context.Context, cfg *config.Config, keys *devicekey.KeySet, logger *slog.Logger) (*AuditHandle, error) {
	if _, err := os.Stat(cfg.Paths.AuditDatabase); err != nil {
		return nil, fmt.Errorf("audit database: %w", err)
	}
	signer, err := keys.CheckpointSigner()
	if err != nil {
		return nil, fmt.Errorf("deriving checkpoint key: %w", err)
	}
	store, err := audit.OpenSQLiteStore(cfg.Paths.AuditDatabase, logger)
	if err != nil {
		signer.Close()
		return nil, err
	}
	log, err := audit.Open(ctx, audit.Config{
		Store:           store,
		Clock:           clock.Real(),
		Logger:          logger,
		Signer:          signer,
		Capacity:        cfg.Audit.Capacity,
		CheckpointEvery: cfg.Audit.CheckpointEvery,
	})
	if err != nil {
		store.Close()
		signer.Close()
		return nil, err
	}
	return &AuditHandle{Log: log, Store: store, PublicKey: signer.PublicKey(), signer: signer}, nil
}
