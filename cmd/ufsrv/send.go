package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	unfacd "github.com/unfacd/unfacd-android-sub003"
)

type sendCommand struct {
	Message      string `short:"m" long:"message" required:"true" description:"Message to send"`
	Unidentified bool   `short:"u" long:"unidentified" description:"Hide the sender from the server when possible"`
	Args         struct {
		Recipients []string `positional-arg-name:"recipient" required:"1" description:"Recipient ACI"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, cfg, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()
	if cfg.SendTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}

	opts := unfacd.SendOptions{Unidentified: cmd.Unidentified, Urgent: true}
	results, err := c.SendToMany(ctx, cmd.Args.Recipients, []byte(cmd.Message), opts)
	if err != nil {
		return err
	}
	return printResults(results)
}

type sendGroupCommand struct {
	Args struct {
		Group   string `positional-arg-name:"group" required:"true" description:"Local group ID"`
		Message string `positional-arg-name:"message" required:"true" description:"Message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, cfg, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()
	if cfg.SendTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}

	results, err := c.SendToGroup(ctx, cmd.Args.Group, []byte(cmd.Args.Message))
	if err != nil {
		return err
	}
	return printResults(results)
}

func printResults(results []unfacd.SendResult) error {
	var failed int
	for _, r := range results {
		if r.OK() {
			fmt.Printf("%s: sent to devices %v in %s\n", r.Recipient, r.Success.Devices,
				r.Success.Duration.Round(time.Millisecond))
			continue
		}
		failed++
		fmt.Printf("%s: %s: %v\n", r.Recipient, r.Failure, r.Err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recipients failed", failed, len(results))
	}
	return nil
}
