package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kbchat/internal/client"
)

var (
	chatServerURL string
	chatUserID    string
	chatSessionID string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running kbchat server from the terminal",
	Long:  `Opens a websocket connection to a kbchat server and runs an interactive chat loop. Resume an earlier conversation with --session.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := client.New(chatServerURL)

		conn, err := c.Dial(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		conn.OnTitle = func(title string) {
			fmt.Printf("\n[session titled: %s]\n", title)
		}

		sessionID, err := conn.InitSession(chatUserID, chatSessionID)
		if err != nil {
			return fmt.Errorf("init session: %w", err)
		}
		fmt.Printf("Connected (session %s). Type a message, or 'exit' to quit.\n", sessionID)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if text == "exit" || text == "quit" {
				break
			}

			if _, err := conn.Send(text, func(delta string) {
				fmt.Print(delta)
			}); err != nil {
				fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
				continue
			}
			fmt.Println()
		}
		return scanner.Err()
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatServerURL, "server", "", "server URL (default from KBCHAT_SERVER_URL)")
	chatCmd.Flags().StringVarP(&chatUserID, "user", "u", "default", "user id")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "session id to resume")
	rootCmd.AddCommand(chatCmd)
}
