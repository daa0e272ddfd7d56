package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Represents the 'strata prune' command.
type PruneCmd struct {
	MaxSize string `help:"Sweep the cache down to this size, e.g. 500MB." placeholder:"SIZE" xor:"scope"`
	All     bool   `help:"Remove every cached snapshot." xor:"scope"`
}

// Executes the prune command.
//
// Evicts least recently used snapshots until the store fits the requested
// ceiling. Children go before their parents, so surviving chains stay
// complete.
func (c *PruneCmd) Run(ctx context.Context) error {
	var limit int64
	switch {
	case c.All:
	case c.MaxSize != "":
		n, err := humanize.ParseBytes(c.MaxSize)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", c.MaxSize, err)
		}
		limit = int64(n)
	default:
		return errors.New("prune needs --max-size or --all")
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	swept, err := st.Sweep(ctx, limit)
	if err != nil {
		return err
	}

	stats := st.Stats()
	fmt.Printf("removed %d snapshots, freed %s, %s in use\n",
		swept.Removed,
		humanize.IBytes(uint64(swept.Freed)),
		humanize.IBytes(uint64(stats.Bytes)))
	return nil
}
