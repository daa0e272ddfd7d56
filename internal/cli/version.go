package cli

import (
	"context"
	"fmt"

	"github.com/Ruj89/strata/internal"
)

// Represents the 'strata version' command.
type VersionCmd struct{}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Println(internal.VersionString())
	return nil
}
