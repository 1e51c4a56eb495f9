package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nbot/orchestrator/internal/containerdriver"
	"github.com/nbot/orchestrator/internal/provision"
	"github.com/nbot/orchestrator/internal/statestore"
)

func botCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage provisioned bots",
	}
	cmd.AddCommand(botListCmd())
	cmd.AddCommand(botCreateCmd())
	cmd.AddCommand(botDeleteCmd())
	cmd.AddCommand(botStopCmd())
	return cmd
}

func openStore() (*statestore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return statestore.New(cfg.Snapshot().Persistence.DataDir)
}

func openManager() (*provision.Manager, *statestore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	snap := cfg.Snapshot()
	store, err := statestore.New(snap.Persistence.DataDir)
	if err != nil {
		return nil, nil, err
	}
	driver, err := containerdriver.New()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return provision.NewManager(store, driver, snap.Container, snap.Persistence.DataDir), store, nil
}

func botListCmd() *cobra.Command {
	var owner string
	c := &cobra.Command{
		Use:   "list",
		Short: "List provisioned bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			bots := store.ListBots(owner)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tRUNNING\tCONNECTED")
			for _, b := range bots {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\n", b.ID, b.DisplayName, b.Platform, b.IsRunning, b.IsConnected)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	return c
}

func botCreateCmd() *cobra.Command {
	var platform, name, owner, token string
	var wait bool
	c := &cobra.Command{
		Use:   "create",
		Short: "Provision a new bot (onebot bots get a side-car container)",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform = strings.ToLower(platform)
			switch platform {
			case "onebot":
				return createOneBot(cmd, name, owner, wait)
			case "discord":
				return createDiscord(cmd, name, owner, token)
			default:
				return fmt.Errorf("platform must be \"onebot\" or \"discord\"")
			}
		},
	}
	c.Flags().StringVar(&platform, "platform", "", "onebot or discord")
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().StringVar(&owner, "owner", "", "owner id")
	c.Flags().StringVar(&token, "token", "", "Discord bot token (discord only)")
	c.Flags().BoolVar(&wait, "wait", true, "block until provisioning finishes")
	c.MarkFlagRequired("platform")
	c.MarkFlagRequired("name")
	return c
}

func createOneBot(cmd *cobra.Command, name, owner string, wait bool) error {
	mgr, store, err := openManager()
	if err != nil {
		return err
	}
	defer store.Close()

	botID, taskID, err := mgr.CreateOneBotBot(cmd.Context(), name, owner)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), botID)
	if !wait {
		fmt.Fprintf(cmd.OutOrStdout(), "provisioning in background (task %s)\n", taskID)
		return nil
	}

	for {
		task, ok := store.GetTask(taskID)
		if !ok {
			return fmt.Errorf("task %s disappeared", taskID)
		}
		switch task.Status {
		case "done":
			bot, _ := store.GetBot(botID)
			color.Green("bot ready: ws :%d, webui :%d", bot.WsPort, bot.WebUIPort)
			return nil
		case "failed":
			color.Red("provisioning failed: %s", task.Message)
			return fmt.Errorf("%s", task.Message)
		default:
			if task.Message != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", task.Message)
			}
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func createDiscord(cmd *cobra.Command, name, owner, token string) error {
	if token == "" {
		return fmt.Errorf("--token is required for discord bots")
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	b := &statestore.BotInstance{
		ID:           uuid.NewString(),
		OwnerID:      owner,
		Platform:     "discord",
		DisplayName:  name,
		DiscordToken: token,
		IsRunning:    true,
	}
	if err := store.PutBot(b); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), b.ID)
	return nil
}

func botDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a bot, its container, and its volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, store, err := openManager()
			if err != nil {
				return err
			}
			defer store.Close()
			return mgr.DeleteBot(cmd.Context(), args[0])
		},
	}
}

func botStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a bot's side-car container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, store, err := openManager()
			if err != nil {
				return err
			}
			defer store.Close()
			return mgr.StopBot(cmd.Context(), args[0])
		},
	}
}
