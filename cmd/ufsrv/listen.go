package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type listenCommand struct{}

func (cmd *listenCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, _, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	updates, unsubscribe := c.Subscribe(16)
	defer unsubscribe()
	go func() {
		for id := range updates {
			g, err := c.GetGroup(id)
			if err != nil || g == nil {
				fmt.Printf("group %s changed\n", id)
				continue
			}
			fmt.Printf("group %s (%s) changed\n", g.Title, g.CName)
		}
	}()

	fmt.Println("Listening for fence updates... (Ctrl+C to stop)")
	return c.Listen(ctx)
}
