// Package courier is the client core of an offline-first private messenger:
// a local durable message store, an encryption boundary in front of the
// relay, the delivery state machine, annotation reconciliation, and
// client-local metadata. The relay and blob store are external collaborators
// supplied by the host application.
package courier

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"courier/annotations"
	"courier/blob"
	"courier/config"
	"courier/crypto"
	"courier/delivery"
	"courier/eviction"
	"courier/metadata"
	"courier/relay"
	"courier/storage"
)

// Options configures Open. Relay is required; everything else defaults from
// the persisted device configuration.
type Options struct {
	Relay  relay.Relay
	Blobs  blob.Store
	Logger *zap.Logger
	Now    func() time.Time
}

// Client bundles the assembled subsystems for one device.
type Client struct {
	Config      *config.ClientConfig
	Store       *storage.Store
	Keys        *crypto.Keyring
	Blobs       blob.Store
	Metadata    *metadata.Manager
	Delivery    *delivery.Machine
	Annotations *annotations.Reconciler
	Eviction    *eviction.Job

	log *zap.Logger
}

// Open loads (or creates) the device configuration and data directory,
// opens the local stores and keyring, and wires the delivery machine,
// annotation reconciler, and eviction job against the supplied relay.
func Open(opts Options) (*Client, error) {
	if opts.Relay == nil {
		return nil, errors.New("courier: relay is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return nil, err
	}
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}

	keys, err := crypto.LoadOrCreateKeyring(cfg.MasterKeyPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	meta, err := metadata.Open(filepath.Join(dataDir, "metadata"))
	if err != nil {
		store.Close()
		return nil, err
	}

	blobs := opts.Blobs
	if blobs == nil {
		blobs, err = blob.NewDirStore(filepath.Join(dataDir, "files"))
		if err != nil {
			meta.Close()
			store.Close()
			return nil, err
		}
	}

	machine, err := delivery.New(delivery.Config{
		Store:    store,
		Relay:    opts.Relay,
		Keys:     keys,
		Logger:   opts.Logger,
		Now:      opts.Now,
		RelayTTL: time.Duration(cfg.RelayTTLDays) * 24 * time.Hour,
	})
	if err != nil {
		meta.Close()
		store.Close()
		return nil, err
	}

	rec, err := annotations.New(annotations.Config{
		Store:        store,
		Relay:        opts.Relay,
		Logger:       opts.Logger,
		Now:          opts.Now,
		EditWindow:   time.Duration(cfg.EditWindowMinutes) * time.Minute,
		DeleteWindow: time.Duration(cfg.DeleteWindowMinutes) * time.Minute,
	})
	if err != nil {
		meta.Close()
		store.Close()
		return nil, err
	}

	job, err := eviction.New(eviction.Config{
		Relay:          opts.Relay,
		Blobs:          blobs,
		Logger:         opts.Logger,
		Now:            opts.Now,
		MediaRetention: time.Duration(cfg.MediaRetentionHours) * time.Hour,
		Interval:       time.Duration(cfg.EvictionIntervalMinutes) * time.Minute,
	})
	if err != nil {
		meta.Close()
		store.Close()
		return nil, err
	}

	return &Client{
		Config:      cfg,
		Store:       store,
		Keys:        keys,
		Blobs:       blobs,
		Metadata:    meta,
		Delivery:    machine,
		Annotations: rec,
		Eviction:    job,
		log:         opts.Logger,
	}, nil
}

// Run drives the background loops (scheduled dispatch and media eviction)
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.Eviction.Run(ctx)
		close(done)
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-ticker.C:
			if _, err := c.Delivery.DispatchDue(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("scheduled dispatch pass", zap.Error(err))
			}
		}
	}
}

// Close releases the local stores.
func (c *Client) Close() error {
	return errors.Join(c.Metadata.Close(), c.Store.Close())
}
