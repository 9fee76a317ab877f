package main

import (
	"fmt"
	"strings"
	"time"
)

type groupsCommand struct{}

func (cmd *groupsCommand) Execute(args []string) error {
	c, _, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	groups, err := c.Groups()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		fmt.Println("No groups found.")
		return nil
	}

	fmt.Printf("Found %d group(s):\n\n", len(groups))
	for _, g := range groups {
		name := g.Title
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %s\n", name)
		fmt.Printf("    ID:       %s\n", g.ID)
		fmt.Printf("    FID:      %s\n", g.FID)
		fmt.Printf("    CName:    %s\n", g.CName)
		fmt.Printf("    Mode:     %d (active=%v)\n", g.Mode, g.Active)
		if len(g.Members) > 0 {
			fmt.Printf("    Members:  %s\n", strings.Join(g.Members, ", "))
		}
		if len(g.Invited) > 0 {
			fmt.Printf("    Invited:  %s\n", strings.Join(g.Invited, ", "))
		}
		fmt.Println()
	}
	return nil
}

type historyCommand struct {
	N    int `short:"n" description:"Number of entries to show (0 = all)" default:"20"`
	Args struct {
		Group string `positional-arg-name:"group" required:"true" description:"Local group ID"`
	} `positional-args:"true" required:"true"`
}

func (cmd *historyCommand) Execute(args []string) error {
	c, _, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	msgs, err := c.History(cmd.Args.Group, cmd.N)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		ts := time.UnixMilli(int64(m.SentAt)).Format("2006-01-02 15:04:05")
		pending := ""
		if m.Request {
			pending = " (pending)"
		}
		fmt.Printf("[%s] %s %s/%s: %s%s\n", ts, m.Direction, m.Command, m.Arg, m.Body, pending)
	}
	return nil
}
