package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage sync accounts",
	Long:  "Commands for adding, removing and listing sync accounts.",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username> [password]",
	Short: "Create a sync account",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runUserAdd,
}

var userDelCmd = &cobra.Command{
	Use:   "del <username>",
	Short: "Delete a sync account",
	Long: `Delete a sync account. The user's collection and media stay on disk;
use purge to remove them as well.`,
	Args: cobra.ExactArgs(1),
	Run:  runUserDel,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync accounts",
	Run:   runUserList,
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username> [password]",
	Short: "Change an account password",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runUserPasswd,
}

func init() {
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userDelCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userPasswdCmd)
}

// readPassword takes the password from args or prompts on stdin.
func readPassword(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		exitError("failed to read password: %v", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		exitError("password must not be empty")
	}
	return pw
}

func runUserAdd(_ *cobra.Command, args []string) {
	ctx := initContext()
	defer ctx.Close()

	username := args[0]
	password := readPassword(args)

	if err := ctx.Users.Add(username, password); err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Created user '%s'\n", username)
}

func runUserDel(_ *cobra.Command, args []string) {
	ctx := initContext()
	defer ctx.Close()

	if err := ctx.Users.Delete(args[0]); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Deleted user '%s'\n", args[0])
	fmt.Printf("Collection data kept at %s; run 'cardsyncd purge %s' to remove it\n",
		ctx.Config.UserDir(args[0]), args[0])
}

func runUserList(_ *cobra.Command, _ []string) {
	ctx := initContext()
	defer ctx.Close()

	users, err := ctx.Users.List()
	if err != nil {
		exitError("%v", err)
	}
	if len(users) == 0 {
		return
	}

	yellow := color.New(color.FgYellow)
	for _, u := range users {
		switch {
		case u.Unconfirmed:
			yellow.Printf("  %s (unconfirmed)\n", u.Username)
		case u.PasswordChangeRequired:
			yellow.Printf("  %s (password change required)\n", u.Username)
		default:
			fmt.Printf("  %s\n", u.Username)
		}
	}
}

func runUserPasswd(_ *cobra.Command, args []string) {
	ctx := initContext()
	defer ctx.Close()

	username := args[0]
	password := readPassword(args)

	if err := ctx.Users.SetPassword(username, password); err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Password updated for '%s'\n", username)
	fmt.Println("Existing host keys stay valid until the next login.")
}
