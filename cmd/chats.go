package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List chats seen on any channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			chats, err := st.ListChats()
			if err != nil {
				return err
			}
			if len(chats) == 0 {
				fmt.Println("no chats seen yet")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHAT ID\tCHANNEL\tNAME\tLAST MESSAGE")
			for _, c := range chats {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ChatID, c.Channel, c.Name, c.LastMessageTime)
			}
			return w.Flush()
		},
	}
}
