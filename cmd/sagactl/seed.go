package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/fortressi/saga/permitrenewal"
	"github.com/fortressi/saga/uow"
)

var seedCmd = &cli.Command{
	Name:  "seed",
	Usage: "Insert a permit to renew",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "Permit id", Required: true},
		&cli.StringFlag{Name: "org", Usage: "Owning organization id", Value: "org-1"},
		&cli.StringFlag{Name: "number", Usage: "Permit number shown to the review agency"},
		&cli.DurationFlag{
			Name:  "expires-in",
			Usage: "Time until the permit expires, negative for an expired permit",
			Value: 30 * 24 * time.Hour,
		},
		&cli.StringFlag{Name: "status", Usage: "Initial permit status", Value: string(permitrenewal.StatusActive)},
	},
	Action: withRuntime(seedAction),
}

func seedAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	number := cmd.String("number")
	if number == "" {
		number = "P-" + cmd.String("id")
	}
	permit := &permitrenewal.Permit{
		ID:        cmd.String("id"),
		OrgID:     cmd.String("org"),
		Number:    number,
		Status:    permitrenewal.Status(cmd.String("status")),
		ExpiresAt: time.Now().UTC().Add(cmd.Duration("expires-in")).Truncate(time.Millisecond),
	}

	unit := uow.New(rt.store, nil, uow.WithLogHandler(rt.handler))
	if err := unit.Within(ctx, func(context.Context) error {
		return unit.RegisterNew(permit)
	}); err != nil {
		return fmt.Errorf("seed permit %s: %w", permit.ID, err)
	}

	fmt.Fprintf(rt.out, "seeded permit %s (%s) for %s, expires %s\n",
		permit.ID, permit.Status, permit.OrgID, permit.ExpiresAt.Format(time.RFC3339))
	return nil
}
