package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Inspect and manage registered groups",
	}
	cmd.AddCommand(groupsListCmd())
	cmd.AddCommand(groupsRegisterCmd())
	return cmd
}

func groupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			groups, err := st.ListGroups()
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Println("no groups registered")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FOLDER\tCHAT ID\tNAME\tTRIGGER\tADDED")
			for _, g := range groups {
				trigger := "always"
				if g.RequiresTrigger {
					trigger = g.TriggerPattern
					if trigger == "" {
						trigger = "@" + cfg.Loop.AssistantName
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.Folder, g.ChatID, g.Name, trigger, g.AddedAt)
			}
			return w.Flush()
		},
	}
}

func groupsRegisterCmd() *cobra.Command {
	var (
		chatID          string
		name            string
		folder          string
		triggerPattern  string
		requiresTrigger bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Bind a chat to a sandbox folder",
		Long:  "Binds a chat to a sandbox folder. Used to bootstrap the main group; further groups are normally registered by the main agent over IPC.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.ValidFolder(folder) {
				return fmt.Errorf("invalid folder name %q (alphanumerics and dashes only)", folder)
			}

			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RegisterGroup(store.RegisteredGroup{
				ChatID:          chatID,
				Name:            name,
				Folder:          folder,
				TriggerPattern:  triggerPattern,
				RequiresTrigger: requiresTrigger,
				AddedAt:         store.FormatTime(time.Now()),
			}); err != nil {
				return err
			}

			dirs := ipc.Dirs{Root: cfg.IPCRoot()}
			if err := dirs.EnsureFolder(folder); err != nil {
				return err
			}

			fmt.Printf("registered %s → %s\n", chatID, folder)
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat-id", "", "chat identifier on the transport")
	cmd.Flags().StringVar(&name, "name", "", "human-readable group name")
	cmd.Flags().StringVar(&folder, "folder", "", "sandbox folder (authorization principal)")
	cmd.Flags().StringVar(&triggerPattern, "trigger", "", "custom trigger regexp (default: @assistant mention)")
	cmd.Flags().BoolVar(&requiresTrigger, "requires-trigger", true, "only respond when the trigger matches")
	cmd.MarkFlagRequired("chat-id")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("folder")
	return cmd
}

// openStore loads config and opens the sqlite store for CLI subcommands.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
