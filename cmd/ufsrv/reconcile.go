package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type reconcileCommand struct {
	Args struct {
		Files []string `positional-arg-name:"file" required:"1" description:"File holding one encoded envelope"`
	} `positional-args:"true" required:"true"`
}

func (cmd *reconcileCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	raws := make([][]byte, 0, len(cmd.Args.Files))
	for _, f := range cmd.Args.Files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		raws = append(raws, b)
	}

	c, _, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	outcomes, err := c.ReconcileBatch(ctx, raws)
	for i, o := range outcomes {
		fmt.Printf("%s: %s", cmd.Args.Files[i], o.Kind)
		if o.GroupID != "" {
			fmt.Printf(" group=%s", o.GroupID)
		}
		fmt.Printf(" correlation=%d\n", o.Correlation())
	}
	return err
}
